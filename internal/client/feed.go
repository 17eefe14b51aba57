package client

import (
	"context"
	"sync"
	"time"

	"github.com/example/campus-rideshare/internal/rideposts"
)

// StaleAfter is how long items stay fresh after the last server sync.
const StaleAfter = 5 * time.Minute

type FeedItem struct {
	rideposts.Snapshot
	IsStale bool `json:"isStale"`
}

type FeedState struct {
	Items          []FeedItem
	Offline        bool
	Refreshing     bool
	LastServerSync time.Time
}

type feedEventKind int

const (
	feedSnapshot feedEventKind = iota
	feedFailed
	refreshStarted
	refreshDone
	refreshFailed
)

type feedEvent struct {
	kind       feedEventKind
	items      []rideposts.Snapshot
	fromServer bool
}

// transitionFeed is the feed state machine. It never mutates s.
func transitionFeed(s FeedState, ev feedEvent, now time.Time) FeedState {
	switch ev.kind {
	case feedSnapshot:
		if ev.fromServer {
			s.LastServerSync = now
		}
		s.Offline = !ev.fromServer
		s.Items = tagStale(ev.items, s.LastServerSync, now)
	case feedFailed:
		s.Offline = true
	case refreshStarted:
		s.Refreshing = true
	case refreshDone:
		s = FeedState{LastServerSync: now, Items: tagStale(ev.items, now, now)}
	case refreshFailed:
		s.Items = tagStale(untag(s.Items), s.LastServerSync, now)
		s.Refreshing = false
		s.Offline = true
	}
	return s
}

func tagStale(items []rideposts.Snapshot, lastSync, now time.Time) []FeedItem {
	stale := lastSync.IsZero() || now.Sub(lastSync) > StaleAfter
	out := make([]FeedItem, len(items))
	for i, it := range items {
		out[i] = FeedItem{Snapshot: it, IsStale: stale}
	}
	return out
}

func untag(items []FeedItem) []rideposts.Snapshot {
	out := make([]rideposts.Snapshot, len(items))
	for i, it := range items {
		out[i] = it.Snapshot
	}
	return out
}

// RefreshFunc fetches the feed once, bypassing the live subscription.
type RefreshFunc func(ctx context.Context) ([]rideposts.Snapshot, error)

// FeedController keeps the browse feed in sync and tells listeners about
// every state change. The live subscription starts with the first listener.
type FeedController struct {
	subscribe SubscribeFunc
	path      string
	refresh   RefreshFunc
	now       func() time.Time

	mu        sync.Mutex
	state     FeedState
	listeners listeners[FeedState]
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewFeedController(subscribe SubscribeFunc, path string, refresh RefreshFunc, now func() time.Time) *FeedController {
	if now == nil {
		now = time.Now
	}
	return &FeedController{subscribe: subscribe, path: path, refresh: refresh, now: now}
}

func (c *FeedController) State() FeedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn, calls it with the current state and returns a
// function that removes it.
func (c *FeedController) Subscribe(fn func(FeedState)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.listeners.add(fn)
	st := c.state
	if c.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.consume(c.subscribe(ctx, c.path), c.done)
	}
	c.mu.Unlock()

	fn(st)
	return func() {
		c.mu.Lock()
		c.listeners.remove(id)
		c.mu.Unlock()
	}
}

func (c *FeedController) consume(updates <-chan Update, done chan struct{}) {
	defer close(done)
	for u := range updates {
		if u.Err != nil {
			c.apply(feedEvent{kind: feedFailed})
			continue
		}
		c.apply(feedEvent{kind: feedSnapshot, items: u.Items, fromServer: u.FromServer})
	}
}

// Refresh fetches the feed once. A refresh already in flight makes this a
// no-op; a failure keeps the current items and marks the feed offline.
func (c *FeedController) Refresh(ctx context.Context) {
	c.mu.Lock()
	if c.state.Refreshing {
		c.mu.Unlock()
		return
	}
	st, fns := c.applyLocked(feedEvent{kind: refreshStarted})
	c.mu.Unlock()
	notify(fns, st)

	items, err := c.refresh(ctx)
	if err != nil {
		c.apply(feedEvent{kind: refreshFailed})
		return
	}
	c.apply(feedEvent{kind: refreshDone, items: items})
}

// Dispose stops the subscription and drops every listener.
func (c *FeedController) Dispose() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.listeners.clear()
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *FeedController) apply(ev feedEvent) {
	c.mu.Lock()
	st, fns := c.applyLocked(ev)
	c.mu.Unlock()
	notify(fns, st)
}

func (c *FeedController) applyLocked(ev feedEvent) (FeedState, []func(FeedState)) {
	c.state = transitionFeed(c.state, ev, c.now())
	return c.state, c.listeners.snapshot()
}

package client

import (
	"context"
	"errors"
	"sync"

	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/rideposts"
)

type PostStatus string

const (
	PostIdle    PostStatus = "idle"
	PostPosting PostStatus = "posting"
	PostLive    PostStatus = "live"
	PostError   PostStatus = "error"
	PostQueued  PostStatus = "queued"
)

type PostState struct {
	Status       PostStatus
	ActivePost   *rideposts.Snapshot
	Error        string
	PendingCount int
}

const (
	msgPostQueued = "Network unavailable. Ride post queued for retry."
	msgPostFailed = "Unable to post ride."
	msgLiveFailed = "Real-time updates failed."
)

type postEventKind int

const (
	postStarted postEventKind = iota
	postCreated
	postQueued
	postFailed
	postLiveUpdate
	postLiveFailed
	postErrorCleared
	postQueueChanged
)

type postEvent struct {
	kind    postEventKind
	snap    *rideposts.Snapshot
	err     string
	pending int
}

// transitionPost is the post form state machine.
func transitionPost(s PostState, ev postEvent) PostState {
	switch ev.kind {
	case postStarted:
		s.Status, s.Error = PostPosting, ""
	case postCreated:
		s.Status, s.ActivePost = PostPosting, ev.snap
	case postQueued:
		s.Status, s.Error, s.ActivePost = PostQueued, msgPostQueued, nil
	case postFailed:
		s.Status, s.Error, s.ActivePost = PostError, ev.err, nil
	case postLiveUpdate:
		s.Status, s.ActivePost = PostLive, ev.snap
	case postLiveFailed:
		s.Status, s.Error, s.ActivePost = PostError, msgLiveFailed, nil
	case postErrorCleared:
		if s.Error == "" {
			return s
		}
		if s.Status == PostError && s.ActivePost == nil {
			s.Status = PostIdle
		}
		s.Error = ""
	case postQueueChanged:
	}
	s.PendingCount = ev.pending
	return s
}

// Publisher creates offers on the server.
type Publisher interface {
	PublishPost(ctx context.Context, driverID string, pl rideposts.Payload) (rideposts.Snapshot, error)
}

type pendingPost struct {
	driverID string
	payload  rideposts.Payload
}

// PostController drives a driver's post form: it publishes an offer, follows
// it live and queues submissions made while offline.
type PostController struct {
	pub       Publisher
	subscribe SubscribeFunc

	mu        sync.Mutex
	driverID  string
	state     PostState
	queue     []pendingPost
	listeners listeners[PostState]
	stopLive  context.CancelFunc
}

func NewPostController(driverID string, pub Publisher, subscribe SubscribeFunc) *PostController {
	return &PostController{driverID: driverID, pub: pub, subscribe: subscribe, state: PostState{Status: PostIdle}}
}

func (c *PostController) State() PostState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *PostController) Subscribe(fn func(PostState)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.listeners.add(fn)
	st := c.state
	c.mu.Unlock()
	fn(st)
	return func() {
		c.mu.Lock()
		c.listeners.remove(id)
		c.mu.Unlock()
	}
}

func (c *PostController) SetDriverID(id string) {
	c.mu.Lock()
	c.driverID = id
	c.mu.Unlock()
}

// PostRide publishes payload. It is ignored while another post is in
// flight. Connectivity failures queue the payload for RetryPending.
func (c *PostController) PostRide(ctx context.Context, pl rideposts.Payload) {
	c.mu.Lock()
	driverID := c.driverID
	c.mu.Unlock()
	c.post(ctx, pendingPost{driverID: driverID, payload: pl}, false)
}

// RetryPending resubmits the oldest queued post. If the network is still
// down it goes back to the front of the queue.
func (c *PostController) RetryPending(ctx context.Context) {
	c.mu.Lock()
	if c.state.Status == PostPosting || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	st, fns := c.applyLocked(postEvent{kind: postQueueChanged})
	c.mu.Unlock()
	notify(fns, st)

	c.post(ctx, next, true)
}

func (c *PostController) ClearError() { c.apply(postEvent{kind: postErrorCleared}) }

// Dispose stops the live subscription, drops listeners and forgets the
// queue.
func (c *PostController) Dispose() {
	c.mu.Lock()
	c.stopLiveLocked()
	c.listeners.clear()
	c.queue = nil
	c.mu.Unlock()
}

func (c *PostController) post(ctx context.Context, p pendingPost, front bool) {
	c.mu.Lock()
	if c.state.Status == PostPosting {
		if front {
			c.queue = append([]pendingPost{p}, c.queue...)
		}
		c.mu.Unlock()
		return
	}
	c.stopLiveLocked()
	st, fns := c.applyLocked(postEvent{kind: postStarted})
	c.mu.Unlock()
	notify(fns, st)

	snap, err := c.pub.PublishPost(ctx, p.driverID, p.payload)
	if err != nil {
		c.mu.Lock()
		var ev postEvent
		if errs.IsRetryable(err) {
			if front {
				c.queue = append([]pendingPost{p}, c.queue...)
			} else {
				c.queue = append(c.queue, p)
			}
			ev = postEvent{kind: postQueued}
		} else {
			ev = postEvent{kind: postFailed, err: postErrorMessage(err)}
		}
		st, fns := c.applyLocked(ev)
		c.mu.Unlock()
		notify(fns, st)
		return
	}

	liveCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.stopLive = cancel
	st, fns = c.applyLocked(postEvent{kind: postCreated, snap: &snap})
	c.mu.Unlock()
	notify(fns, st)

	go c.follow(liveCtx, c.subscribe(liveCtx, PostPath(snap.PostID)))
}

func (c *PostController) follow(ctx context.Context, updates <-chan Update) {
	for u := range updates {
		if ctx.Err() != nil {
			continue
		}
		var ev postEvent
		switch {
		case u.Err != nil, len(u.Items) == 0:
			// An empty frame means the offer is gone.
			ev = postEvent{kind: postLiveFailed}
		default:
			snap := u.Items[0]
			ev = postEvent{kind: postLiveUpdate, snap: &snap}
		}
		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			continue
		}
		if ev.kind == postLiveFailed {
			c.stopLiveLocked()
		}
		st, fns := c.applyLocked(ev)
		c.mu.Unlock()
		notify(fns, st)
	}
}

func (c *PostController) stopLiveLocked() {
	if c.stopLive != nil {
		c.stopLive()
		c.stopLive = nil
	}
}

func (c *PostController) apply(ev postEvent) {
	c.mu.Lock()
	st, fns := c.applyLocked(ev)
	c.mu.Unlock()
	notify(fns, st)
}

func (c *PostController) applyLocked(ev postEvent) (PostState, []func(PostState)) {
	ev.pending = len(c.queue)
	c.state = transitionPost(c.state, ev)
	return c.state, c.listeners.snapshot()
}

func postErrorMessage(err error) string {
	var ve *errs.ValidationError
	switch {
	case errors.As(err, &ve):
		return err.Error()
	case errs.Code(err) != "":
		return errs.Code(err)
	}
	return msgPostFailed
}

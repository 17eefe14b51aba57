package client

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/rideposts"
)

// Update is one delivery from a live subscription. FromServer is false when
// Items is the locally cached copy served while disconnected.
type Update struct {
	Items      []rideposts.Snapshot
	FromServer bool
	Err        error
}

// SubscribeFunc opens a live subscription. The channel is closed when ctx
// ends.
type SubscribeFunc func(ctx context.Context, path string) <-chan Update

func FeedPath(campus string) string { return "/ws/feed?campus=" + url.QueryEscape(campus) }

func PostPath(postID string) string { return "/ws/posts/" + url.PathEscape(postID) }

// WSSubscriber follows the server's websocket streams and reconnects with
// capped exponential backoff.
type WSSubscriber struct {
	BaseURL    string
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func NewWSSubscriber(apiBaseURL string) *WSSubscriber {
	base := strings.TrimRight(apiBaseURL, "/")
	base = strings.Replace(base, "http", "ws", 1)
	return &WSSubscriber{BaseURL: base, Dialer: websocket.DefaultDialer, MinBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

func (s *WSSubscriber) Subscribe(ctx context.Context, path string) <-chan Update {
	out := make(chan Update)
	go s.run(ctx, path, out)
	return out
}

func (s *WSSubscriber) run(ctx context.Context, path string, out chan<- Update) {
	defer close(out)
	send := func(u Update) bool {
		select {
		case out <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var cache []rideposts.Snapshot
	minBackoff, maxBackoff := s.MinBackoff, s.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	backoff := minBackoff
	for ctx.Err() == nil {
		conn, _, err := dialer.DialContext(ctx, s.BaseURL+path, nil)
		if err != nil {
			if ctx.Err() != nil || !send(Update{Err: errs.Unavailable(err)}) {
				return
			}
		} else {
			backoff = minBackoff
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			for {
				var frame rideposts.Frame
				if err := conn.ReadJSON(&frame); err != nil {
					break
				}
				u := Update{Items: frame.Items, FromServer: true}
				if frame.Error != "" {
					u = Update{Err: errs.Unavailable(errors.New(frame.Error))}
				} else {
					cache = frame.Items
				}
				if !send(u) {
					break
				}
			}
			stop()
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			if cache != nil && !send(Update{Items: cache}) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

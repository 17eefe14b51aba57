package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/rideposts"
)

func TestWSSubscriberServesCacheAndReconnects(t *testing.T) {
	var conns atomic.Int32
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/posts/p1" {
			http.NotFound(w, r)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		_ = conn.WriteJSON(rideposts.Frame{Items: []rideposts.Snapshot{{PostID: "p1", SeatsAvailable: int(n)}}})
		if n == 2 {
			_ = conn.WriteJSON(rideposts.Frame{Error: "query failed"})
		}
	}))
	defer ts.Close()

	sub := NewWSSubscriber(ts.URL)
	sub.MinBackoff = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := sub.Subscribe(ctx, PostPath("p1"))

	next := func() Update {
		t.Helper()
		select {
		case u, ok := <-updates:
			if !ok {
				t.Fatal("subscription closed early")
			}
			return u
		case <-time.After(3 * time.Second):
			t.Fatal("no update")
		}
		return Update{}
	}

	if u := next(); !u.FromServer || len(u.Items) != 1 || u.Items[0].SeatsAvailable != 1 {
		t.Fatalf("expected first server frame, got %+v", u)
	}
	if u := next(); u.FromServer || len(u.Items) != 1 || u.Items[0].SeatsAvailable != 1 {
		t.Fatalf("expected cached copy after disconnect, got %+v", u)
	}
	if u := next(); !u.FromServer || u.Items[0].SeatsAvailable != 2 {
		t.Fatalf("expected reconnect frame, got %+v", u)
	}
	if u := next(); !errs.IsRetryable(u.Err) {
		t.Fatalf("expected server error frame, got %+v", u)
	}

	cancel()
	for range updates {
	}
}

func TestWSSubscriberDialFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	sub := NewWSSubscriber(ts.URL)
	ts.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	select {
	case u := <-sub.Subscribe(ctx, FeedPath("Burnaby")):
		if !errs.IsRetryable(u.Err) {
			t.Fatalf("expected retryable dial error, got %+v", u)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no update")
	}
}

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

// fakeDrainer replays scripted results, then cancels the loop.
type fakeDrainer struct {
	results []result
	calls   []time.Time
	cancel  context.CancelFunc
}

type result struct {
	n   int
	err error
}

func (f *fakeDrainer) Drain(ctx context.Context) (int, error) {
	f.calls = append(f.calls, time.Now())
	if len(f.calls) > len(f.results) {
		f.cancel()
		return 0, ctx.Err()
	}
	r := f.results[len(f.calls)-1]
	return r.n, r.err
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestDrainLoop_BacksOffOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("db down")
	f := &fakeDrainer{results: []result{{err: boom}, {err: boom}, {n: 1}}, cancel: cancel}

	start := time.Now()
	drainLoop(ctx, f, 10*time.Millisecond, time.Second, quiet)
	if len(f.calls) != 4 {
		t.Fatalf("expected 4 drains, got %d", len(f.calls))
	}
	if gap := f.calls[2].Sub(f.calls[1]); gap < 20*time.Millisecond {
		t.Fatalf("expected doubled backoff, got %s", gap)
	}
	if gap := f.calls[3].Sub(f.calls[2]); gap > 10*time.Millisecond {
		t.Fatalf("progress should drain again immediately, waited %s", gap)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("expected at least one backoff")
	}
}

func TestDrainLoop_CapsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("db down")
	f := &fakeDrainer{results: []result{{err: boom}, {err: boom}, {err: boom}, {err: boom}}, cancel: cancel}

	start := time.Now()
	drainLoop(ctx, f, 5*time.Millisecond, 8*time.Millisecond, quiet)
	if len(f.calls) != 5 {
		t.Fatalf("expected 5 drains, got %d", len(f.calls))
	}
	// 5 + 8 + 8 + 8 with the cap; uncapped would be 5 + 10 + 20 + 40.
	if elapsed := time.Since(start); elapsed > 60*time.Millisecond {
		t.Fatalf("backoff not capped, took %s", elapsed)
	}
}

func TestDrainLoop_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeDrainer{cancel: cancel}
	drainLoop(ctx, f, time.Hour, time.Hour, quiet)
	if len(f.calls) != 1 {
		t.Fatalf("expected a single drain, got %d", len(f.calls))
	}
}

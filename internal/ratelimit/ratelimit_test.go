package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestSlidingWindow_LimitsPerKey(t *testing.T) {
	ctx := context.Background()
	l := NewSlidingWindow(10, 30*time.Second)
	for i := 0; i < 10; i++ {
		ok, _ := l.Allow(ctx, "r1", now.Add(time.Duration(i)*time.Second))
		if !ok {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "r1", now.Add(10*time.Second)); ok {
		t.Fatalf("11th call inside the window should be throttled")
	}
	if ok, _ := l.Allow(ctx, "r2", now.Add(10*time.Second)); !ok {
		t.Fatalf("other keys must not be affected")
	}
	// the first hit leaves the window exactly 30s after it was made
	if ok, _ := l.Allow(ctx, "r1", now.Add(30*time.Second)); !ok {
		t.Fatalf("expected a slot once the oldest call aged out")
	}
	if ok, _ := l.Allow(ctx, "r1", now.Add(30*time.Second)); ok {
		t.Fatalf("only one slot should have opened")
	}
}

func TestSlidingWindow_RejectedCallsAreNotRecorded(t *testing.T) {
	ctx := context.Background()
	l := NewSlidingWindow(1, 30*time.Second)
	if ok, _ := l.Allow(ctx, "r", now); !ok {
		t.Fatal("first call should pass")
	}
	for i := 1; i < 30; i++ {
		if ok, _ := l.Allow(ctx, "r", now.Add(time.Duration(i)*time.Second)); ok {
			t.Fatalf("call at +%ds should be throttled", i)
		}
	}
	if ok, _ := l.Allow(ctx, "r", now.Add(30*time.Second)); !ok {
		t.Fatalf("throttled calls must not extend the window")
	}
}

// fakeScripter evaluates the sliding window script against an in-memory
// sorted set. Only EvalSha and Eval are used by redis.Script.Run.
type fakeScripter struct {
	redis.Scripter
	sets  map[string][]int64
	keys  []string
	fail  error
	calls int
}

func (f *fakeScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, noScript("NOSCRIPT No matching script"))
}

// noScript satisfies redis.Error so Script.Run falls back to Eval.
type noScript string

func (e noScript) Error() string { return string(e) }
func (noScript) RedisError() {}

func (f *fakeScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.calls++
	if f.fail != nil {
		return redis.NewCmdResult(nil, f.fail)
	}
	f.keys = append(f.keys, keys[0])
	ms, window, limit := args[0].(int64), args[1].(int64), args[2].(int)
	kept := f.sets[keys[0]][:0]
	for _, s := range f.sets[keys[0]] {
		if s > ms-window {
			kept = append(kept, s)
		}
	}
	if len(kept) >= limit {
		f.sets[keys[0]] = kept
		return redis.NewCmdResult(int64(0), nil)
	}
	f.sets[keys[0]] = append(kept, ms)
	return redis.NewCmdResult(int64(1), nil)
}

func TestSlidingWindow_ForgetsIdleKeys(t *testing.T) {
	ctx := context.Background()
	l := NewSlidingWindow(2, 30*time.Second)
	for i := 0; i < 100; i++ {
		_, _ = l.Allow(ctx, fmt.Sprintf("rider-%d", i), now)
	}
	if len(l.hits) != 100 {
		t.Fatalf("expected 100 tracked riders, got %d", len(l.hits))
	}
	if ok, _ := l.Allow(ctx, "late", now.Add(31*time.Second)); !ok {
		t.Fatalf("fresh key should be allowed")
	}
	if len(l.hits) != 1 {
		t.Fatalf("idle riders must be dropped once their window empties, %d left", len(l.hits))
	}
	if ok, _ := l.Allow(ctx, "rider-0", now.Add(31*time.Second)); !ok {
		t.Fatalf("a forgotten rider starts with a full window")
	}
}

func TestRedis_Allow(t *testing.T) {
	ctx := context.Background()
	f := &fakeScripter{sets: map[string][]int64{}}
	l := NewRedis(f, "", 2, 30*time.Second)
	for i, want := range []bool{true, true, false} {
		ok, err := l.Allow(ctx, "rider-1", now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if ok != want {
			t.Fatalf("call %d: expected %v", i+1, want)
		}
	}
	if ok, _ := l.Allow(ctx, "rider-1", now.Add(30*time.Second)); !ok {
		t.Fatalf("expected a slot after the window moved")
	}
	if f.keys[0] != "ratelimit:search:rider-1" {
		t.Fatalf("unexpected key %q", f.keys[0])
	}
}

func TestRedis_PropagatesErrors(t *testing.T) {
	f := &fakeScripter{sets: map[string][]int64{}, fail: errors.New("connection refused")}
	l := NewRedis(f, "rl:", 10, 0)
	if ok, err := l.Allow(context.Background(), "r", now); err == nil || ok {
		t.Fatalf("expected error, got ok=%v err=%v", ok, err)
	}
}

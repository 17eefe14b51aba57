package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type counter struct {
	ID    string    `json:"id"`
	N     int       `json:"n"`
	Group string    `json:"group"`
	At    time.Time `json:"at"`
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore(Options{})
	var c counter
	if err := s.Get(context.Background(), "c", "x", &c); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_TxRollbackOnError(t *testing.T) {
	s := NewMemoryStore(Options{})
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.RunTx(ctx, func(tx Tx) error {
		if err := tx.Set("c", "a", counter{ID: "a", N: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := Load[counter](ctx, s, "c", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("write from failed tx must not be visible, got %v", err)
	}
}

func TestMemoryStore_ReadAfterWriteRejected(t *testing.T) {
	s := NewMemoryStore(Options{})
	err := s.RunTx(context.Background(), func(tx Tx) error {
		_ = tx.Set("c", "a", counter{ID: "a"})
		_, err := Get[counter](tx, "c", "a")
		return err
	})
	if !errors.Is(err, ErrReadAfterWrite) {
		t.Fatalf("expected ErrReadAfterWrite, got %v", err)
	}
}

func TestMemoryStore_ConcurrentIncrementsAreSerializable(t *testing.T) {
	s := NewMemoryStore(Options{MaxAttempts: 64, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	ctx := context.Background()
	if err := s.Set(ctx, "c", "a", counter{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTx(ctx, func(tx Tx) error {
				c, err := Get[counter](tx, "c", "a")
				if err != nil {
					return err
				}
				c.N++
				return tx.Set("c", "a", c)
			})
			if err != nil {
				t.Errorf("tx failed: %v", err)
			}
		}()
	}
	wg.Wait()
	c, err := Load[counter](ctx, s, "c", "a")
	if err != nil {
		t.Fatal(err)
	}
	if c.N != n {
		t.Fatalf("expected %d, got %d", n, c.N)
	}
}

func TestMemoryStore_QueryFilterOrderAndStartAt(t *testing.T) {
	s := NewMemoryStore(Options{})
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	docs := []counter{
		{ID: "a", Group: "x", At: base},
		{ID: "b", Group: "x", At: base.Add(time.Hour)},
		{ID: "c", Group: "y", At: base.Add(2 * time.Hour)},
		{ID: "d", Group: "x", At: base.Add(time.Hour)},
	}
	for _, d := range docs {
		if err := s.Set(ctx, "c", d.ID, d); err != nil {
			t.Fatal(err)
		}
	}
	got, err := List[counter](ctx, s, Query{Collection: "c", Where: []Eq{{"group", "x"}}, OrderBy: "at", Desc: true})
	if err != nil {
		t.Fatal(err)
	}
	if ids(got) != "b,d,a" {
		t.Fatalf("unexpected order %s", ids(got))
	}
	start := base.Add(time.Hour)
	got, _ = List[counter](ctx, s, Query{Collection: "c", OrderBy: "at", Desc: true, StartAt: &start, Limit: 2})
	if ids(got) != "b,d" {
		t.Fatalf("unexpected page %s", ids(got))
	}
}

func TestMemoryStore_QueryConflictsWithConcurrentInsert(t *testing.T) {
	s := NewMemoryStore(Options{MaxAttempts: 1})
	ctx := context.Background()
	err := s.RunTx(ctx, func(tx Tx) error {
		if _, err := Find[counter](tx, Query{Collection: "c"}); err != nil {
			return err
		}
		// a concurrent writer lands between our read and commit
		if err := s.Set(ctx, "c", "z", counter{ID: "z"}); err != nil {
			return err
		}
		return tx.Set("c", "a", counter{ID: "a"})
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemoryStore_WatchEmitsOnChange(t *testing.T) {
	s := NewMemoryStore(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snaps, _ := Watch[counter](ctx, s, Query{Collection: "c"})
	first := <-snaps
	if len(first) != 0 {
		t.Fatalf("expected empty initial snapshot")
	}
	if err := s.Set(ctx, "c", "a", counter{ID: "a", N: 3}); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-snaps:
		if len(got) != 1 || got[0].N != 3 {
			t.Fatalf("unexpected snapshot %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot after write")
	}
}

func TestBuildSelect(t *testing.T) {
	start := time.Unix(0, 0)
	sqlText, args := buildSelect(Query{Collection: Posts, Where: []Eq{{"destinationCampus", "Burnaby"}}, OrderBy: "windowStart", Desc: true, StartAt: &start, Limit: 5})
	want := "SELECT body FROM documents WHERE collection = $1 AND body->>$2 = $3 AND (body->>$4)::timestamptz <= $5 ORDER BY (body->>$4)::timestamptz DESC, id ASC LIMIT $6"
	if sqlText != want {
		t.Fatalf("unexpected sql:\n%s", sqlText)
	}
	if len(args) != 6 {
		t.Fatalf("expected 6 args, got %d", len(args))
	}
}

func ids(cs []counter) string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return strings.Join(out, ",")
}

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/example/campus-rideshare/internal/observability"
)

// Collection names.
const (
	Posts         = "ridePosts"
	Requests      = "rideRequests"
	Holds         = "holds"
	Bookings      = "bookings"
	Users         = "users"
	Matches       = "matches"
	Outbox        = "outbox"
	Notifications = "notifications"
	ChatThreads   = "chatThreads"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict means a concurrent transaction won; RunTx retries it.
	ErrConflict = errors.New("storage: transaction conflict")
	// ErrReadAfterWrite enforces that a transaction performs all reads first.
	ErrReadAfterWrite = errors.New("storage: read after write in transaction")
)

// Eq filters on equality of a top-level string field.
type Eq struct {
	Field string
	Value string
}

// Query selects documents from one collection. Results are ordered by the
// time-valued field OrderBy (ties by id ascending), or by id when OrderBy is
// empty. StartAt bounds OrderBy inclusively: at-or-before when Desc,
// at-or-after otherwise.
type Query struct {
	Collection string
	Where      []Eq
	OrderBy    string
	Desc       bool
	StartAt    *time.Time
	Limit      int
}

// Tx is one serializable unit of work. All reads must precede all writes.
type Tx interface {
	Get(coll, id string, dst any) error
	Query(q Query, dst any) error
	Set(coll, id string, v any) error
}

// Store is the document store collaborator.
type Store interface {
	// RunTx runs fn atomically. When fn returns an error nothing it wrote
	// becomes visible. fn may be invoked several times on conflict.
	RunTx(ctx context.Context, fn func(Tx) error) error
	Get(ctx context.Context, coll, id string, dst any) error
	Query(ctx context.Context, q Query, dst any) error
	Set(ctx context.Context, coll, id string, v any) error
	// Watch emits the JSON array of documents matching q every time the
	// result may have changed. Both channels close when ctx is done.
	Watch(ctx context.Context, q Query) (<-chan []byte, <-chan error)
	Ping(ctx context.Context) error
	Close() error
}

// Options tune transaction retries.
type Options struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 16
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 100 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	return o
}

// runWithRetry re-runs attempt while it fails with ErrConflict, backing off
// exponentially with jitter between attempts.
func runWithRetry(ctx context.Context, opts Options, attempt func() error) error {
	delay := opts.BaseBackoff
	var err error
	for i := 0; i < opts.MaxAttempts; i++ {
		err = attempt()
		if err == nil {
			observability.TxCommitted.Inc()
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			observability.TxAborted.Inc()
			return err
		}
		observability.TxRetried.Inc()
		if i == opts.MaxAttempts-1 {
			break
		}
		sleep := delay/2 + time.Duration(rand.Int63n(int64(delay/2+1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > opts.MaxBackoff {
			delay = opts.MaxBackoff
		}
	}
	observability.TxAborted.Inc()
	return fmt.Errorf("gave up after %d attempts: %w", opts.MaxAttempts, err)
}

// Get reads one document into a T.
func Get[T any](tx Tx, coll, id string) (T, error) {
	var v T
	err := tx.Get(coll, id, &v)
	return v, err
}

// Find runs q inside tx.
func Find[T any](tx Tx, q Query) ([]T, error) {
	var out []T
	if err := tx.Query(q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Load reads one document outside a transaction.
func Load[T any](ctx context.Context, s Store, coll, id string) (T, error) {
	var v T
	err := s.Get(ctx, coll, id, &v)
	return v, err
}

// List runs q outside a transaction.
func List[T any](ctx context.Context, s Store, q Query) ([]T, error) {
	var out []T
	if err := s.Query(ctx, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch decodes the snapshots of s.Watch into []T.
func Watch[T any](ctx context.Context, s Store, q Query) (<-chan []T, <-chan error) {
	raw, rawErrs := s.Watch(ctx, q)
	out := make(chan []T)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-rawErrs:
				if !ok {
					rawErrs = nil
					continue
				}
				select {
				case errc <- err:
				default:
				}
			case b, ok := <-raw:
				if !ok {
					return
				}
				var items []T
				if err := json.Unmarshal(b, &items); err != nil {
					select {
					case errc <- err:
					default:
					}
					continue
				}
				select {
				case out <- items:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errc
}

func joinArray(bodies [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range bodies {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func decodeArray(bodies [][]byte, dst any) error {
	return json.Unmarshal(joinArray(bodies), dst)
}

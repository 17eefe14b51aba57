// Package dispatch drains the outbox: it materializes notifications and chat
// threads and forwards every effect to the configured sinks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/observability"
	"github.com/example/campus-rideshare/internal/storage"
)

const (
	DefaultBatch        = 100
	DefaultMaxAttempts  = 8
	DefaultRetryBackoff = 30 * time.Second
	maxRetryBackoff     = 30 * time.Minute
)

// Sink receives dispatched effects. Delivery is at least once, so sinks must
// tolerate duplicates keyed by effect ID.
type Sink interface {
	Deliver(ctx context.Context, ef models.Effect) error
}

// Recipients returns the users an effect is addressed to.
func Recipients(ef models.Effect) []string {
	switch ef.Kind {
	case models.EffectChatThread:
		return ef.Participants
	default:
		if ef.UserID == "" {
			return nil
		}
		return []string{ef.UserID}
	}
}

type Dispatcher struct {
	Store  storage.Store
	Sinks  []Sink
	Logger *slog.Logger
	Batch  int
	Now    func() time.Time

	// MaxAttempts bounds deliveries of one effect before it is marked
	// failed. RetryBackoff is the delay after the first failure and doubles
	// with each further one.
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Drain dispatches up to Batch due effects, oldest first, and returns how
// many were marked dispatched. A failing effect is rescheduled behind the
// due queue with exponential backoff and marked failed after MaxAttempts.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	batch := d.Batch
	if batch <= 0 {
		batch = DefaultBatch
	}
	pending, err := storage.List[models.Effect](ctx, d.Store, storage.Query{
		Collection: storage.Outbox,
		Where:      []storage.Eq{{Field: "state", Value: string(models.EffectPending)}},
		OrderBy:    "nextAttemptAt",
		Limit:      batch,
	})
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}
	now := d.now()
	done := 0
	for _, ef := range pending {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if ef.NextAttemptAt.After(now) {
			break
		}
		if err := d.dispatch(ctx, ef); err != nil {
			observability.OutboxFailures.Inc()
			d.logger().Warn("outbox dispatch failed", "effect_id", ef.ID, "kind", ef.Kind, "attempt", ef.Attempts+1, "err", err)
			if rerr := d.recordFailure(ctx, ef.ID, err); rerr != nil {
				d.logger().Error("outbox reschedule failed", "effect_id", ef.ID, "err", rerr)
			}
			continue
		}
		observability.OutboxDispatched.WithLabelValues(string(ef.Kind)).Inc()
		done++
	}
	return done, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ef models.Effect) error {
	if err := d.materialize(ctx, ef); err != nil {
		return err
	}
	for _, s := range d.Sinks {
		if err := s.Deliver(ctx, ef); err != nil {
			return err
		}
	}
	return d.markDispatched(ctx, ef.ID)
}

// materialize writes the user-facing document of an effect. Writes are keyed
// so that repeating them is harmless.
func (d *Dispatcher) materialize(ctx context.Context, ef models.Effect) error {
	switch ef.Kind {
	case models.EffectNotification:
		return d.Store.Set(ctx, storage.Notifications, ef.ID, models.Notification{
			ID:        ef.ID,
			UserID:    ef.UserID,
			Type:      ef.Type,
			Data:      ef.Data,
			CreatedAt: ef.CreatedAt,
		})
	case models.EffectChatThread:
		return d.Store.Set(ctx, storage.ChatThreads, ef.BookingID, models.ChatThread{
			BookingID:    ef.BookingID,
			Participants: ef.Participants,
			CreatedAt:    ef.CreatedAt,
		})
	default:
		return fmt.Errorf("unknown effect kind %q", ef.Kind)
	}
}

func (d *Dispatcher) markDispatched(ctx context.Context, id string) error {
	now := d.now()
	return d.Store.RunTx(ctx, func(tx storage.Tx) error {
		ef, err := storage.Get[models.Effect](tx, storage.Outbox, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil || ef.State == models.EffectDispatched {
			return err
		}
		ef.State = models.EffectDispatched
		ef.DispatchedAt = &now
		return tx.Set(storage.Outbox, id, ef)
	})
}

// recordFailure counts a failed delivery and either reschedules the effect
// or gives up on it.
func (d *Dispatcher) recordFailure(ctx context.Context, id string, cause error) error {
	now := d.now()
	var dead bool
	err := d.Store.RunTx(ctx, func(tx storage.Tx) error {
		dead = false
		ef, err := storage.Get[models.Effect](tx, storage.Outbox, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil || ef.State != models.EffectPending {
			return err
		}
		ef.Attempts++
		ef.LastError = cause.Error()
		if ef.Attempts >= d.maxAttempts() {
			ef.State = models.EffectFailed
			dead = true
		} else {
			ef.NextAttemptAt = now.Add(d.backoff(ef.Attempts))
		}
		return tx.Set(storage.Outbox, id, ef)
	})
	if err == nil && dead {
		observability.OutboxDeadLettered.Inc()
		d.logger().Error("outbox effect dead-lettered", "effect_id", id, "err", cause)
	}
	return err
}

// backoff is the delay after the given number of failed attempts.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	b := d.RetryBackoff
	if b <= 0 {
		b = DefaultRetryBackoff
	}
	for i := 1; i < attempts && b < maxRetryBackoff; i++ {
		b *= 2
	}
	return min(b, maxRetryBackoff)
}

func (d *Dispatcher) maxAttempts() int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Run drains the outbox every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		n, err := d.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger().Error("outbox drain failed", "err", err)
		}
		if n > 0 {
			d.logger().Debug("outbox drained", "dispatched", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Package booking turns offers into requests, holds and bookings while
// keeping every offer's seat counter consistent with the holds and bookings
// that own its seats.
//
// Each operation is one store transaction that reads everything it needs
// before writing anything, so the store may re-run it on conflict. Domain
// failures are returned from inside the transaction, which discards every
// write it staged. Notifications and chat threads are staged as outbox
// entries in the same transaction and delivered later by the dispatcher.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/observability"
	"github.com/example/campus-rideshare/internal/rideposts"
	"github.com/example/campus-rideshare/internal/storage"
)

const (
	DefaultRequestTTL = 10 * time.Minute
	// MaxNoShowsForAutoAccept is the highest 7-day no-show count a rider may
	// have and still be booked without driver review.
	MaxNoShowsForAutoAccept = 2
)

type Engine struct {
	Store      storage.Store
	Logger     *slog.Logger
	Now        func() time.Time
	RequestTTL time.Duration
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) requestTTL() time.Duration {
	if e.RequestTTL > 0 {
		return e.RequestTTL
	}
	return DefaultRequestTTL
}

// fail records a rejected operation and passes err through.
func fail(op string, err error) error {
	if code := errs.Code(err); code != "" {
		observability.BookingFailures.WithLabelValues(op, code).Inc()
	}
	return err
}

func loadPost(tx storage.Tx, id string) (models.RidePost, error) {
	p, err := storage.Get[models.RidePost](tx, storage.Posts, id)
	if errors.Is(err, storage.ErrNotFound) {
		return p, errs.ErrPostNotFound
	}
	return p, err
}

// loadOptional reads a document that may legitimately be absent.
func loadOptional[T any](tx storage.Tx, coll, id string) (T, bool, error) {
	v, err := storage.Get[T](tx, coll, id)
	if errors.Is(err, storage.ErrNotFound) {
		return v, false, nil
	}
	return v, err == nil, err
}

// holdFor reads the hold of a request. Holds share their request's ID.
func holdFor(tx storage.Tx, requestID string) (models.Hold, bool, error) {
	return loadOptional[models.Hold](tx, storage.Holds, requestID)
}

// adjustSeats moves the post's counter by delta after re-validating the
// seat invariants.
func adjustSeats(p *models.RidePost, delta int, now time.Time) error {
	u, err := rideposts.BuildSeatUpdate(p.SeatsAvailable+delta, p.SeatsTotal)
	if err != nil {
		return fmt.Errorf("post %s seat update: %w", p.ID, err)
	}
	u.Apply(p, now)
	return nil
}

func notification(userID, typ string, data map[string]string, now time.Time) models.Effect {
	return models.Effect{
		ID:        uuid.NewString(),
		Kind:      models.EffectNotification,
		State:     models.EffectPending,
		UserID:    userID,
		Type:      typ,
		Data:      data,
		CreatedAt: now,

		NextAttemptAt: now,
	}
}

func chatThread(bookingID, driverID, riderID string, now time.Time) models.Effect {
	return models.Effect{
		ID:           uuid.NewString(),
		Kind:         models.EffectChatThread,
		State:        models.EffectPending,
		BookingID:    bookingID,
		Participants: []string{driverID, riderID},
		CreatedAt:    now,

		NextAttemptAt: now,
	}
}

func emit(tx storage.Tx, effects ...models.Effect) error {
	for _, ef := range effects {
		if err := tx.Set(storage.Outbox, ef.ID, ef); err != nil {
			return err
		}
	}
	return nil
}

// confirm books a pending request: it consumes the hold, creates the booking
// and stages the confirmation and chat thread. Callers have already read
// every document involved.
func confirm(tx storage.Tx, req *models.RideRequest, hold *models.Hold, post models.RidePost, bookingID string, auto bool, now time.Time) (models.Booking, error) {
	b := models.Booking{
		ID:        bookingID,
		PostID:    req.PostID,
		RiderID:   req.RiderID,
		DriverID:  post.DriverID,
		Seats:     hold.Seats,
		Pickup:    req.Pickup,
		Status:    models.BookingConfirmed,
		CreatedAt: now,
		RequestID: req.ID,
	}
	req.Status = models.RequestBooked
	req.BookingID = bookingID
	req.AutoAccepted = auto
	hold.State = models.HoldConsumed

	if err := tx.Set(storage.Bookings, b.ID, b); err != nil {
		return b, err
	}
	if err := tx.Set(storage.Requests, req.ID, *req); err != nil {
		return b, err
	}
	if err := tx.Set(storage.Holds, hold.ID, *hold); err != nil {
		return b, err
	}
	err := emit(tx,
		notification(req.RiderID, models.NotifyBookingConfirmed, map[string]string{
			"bookingId": b.ID, "postId": b.PostID, "driverId": b.DriverID,
		}, now),
		chatThread(b.ID, b.DriverID, b.RiderID, now),
	)
	return b, err
}

// runOp wraps RunTx with failure accounting.
func (e *Engine) runOp(ctx context.Context, op string, fn func(storage.Tx) error) error {
	if err := e.Store.RunTx(ctx, fn); err != nil {
		return fail(op, err)
	}
	return nil
}

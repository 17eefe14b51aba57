package booking

import (
	"context"
	"time"

	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/storage"
)

// CancelBooking releases a confirmed booking's seats and tells the driver.
// Missing or already closed bookings are left untouched.
func (e *Engine) CancelBooking(ctx context.Context, bookingID string) error {
	now := e.now()
	var changed bool
	err := e.runOp(ctx, "cancel_booking", func(tx storage.Tx) error {
		changed = false
		b, found, err := loadOptional[models.Booking](tx, storage.Bookings, bookingID)
		if err != nil || !found || b.Status != models.BookingConfirmed {
			return err
		}
		post, hasPost, err := loadOptional[models.RidePost](tx, storage.Posts, b.PostID)
		if err != nil {
			return err
		}
		if hasPost {
			if err := adjustSeats(&post, b.Seats, now); err != nil {
				return err
			}
			if err := tx.Set(storage.Posts, post.ID, post); err != nil {
				return err
			}
		}
		b.Status = models.BookingCanceled
		if err := tx.Set(storage.Bookings, b.ID, b); err != nil {
			return err
		}
		changed = true
		return emit(tx, notification(b.DriverID, models.NotifyRiderCanceledBooking, map[string]string{
			"bookingId": b.ID, "postId": b.PostID, "riderId": b.RiderID,
		}, now))
	})
	if err == nil && changed {
		e.logger().Info("booking canceled", "booking_id", bookingID)
	}
	return err
}

// CompleteBooking marks a confirmed booking as ridden. Seats stay consumed.
func (e *Engine) CompleteBooking(ctx context.Context, bookingID string) error {
	now := e.now()
	return e.runOp(ctx, "complete_booking", func(tx storage.Tx) error {
		b, found, err := loadOptional[models.Booking](tx, storage.Bookings, bookingID)
		if err != nil {
			return err
		}
		if !found {
			return errs.ErrBookingNotFound
		}
		if b.Status != models.BookingConfirmed {
			return nil
		}
		b.Status = models.BookingCompleted
		at := now.In(time.UTC)
		b.CompletedAt = &at
		return tx.Set(storage.Bookings, b.ID, b)
	})
}

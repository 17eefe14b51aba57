package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/geo"
	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/observability"
	"github.com/example/campus-rideshare/internal/storage"
)

type RideParams struct {
	PostID            string        `json:"postId"`
	RiderID           string        `json:"riderId"`
	DestinationCampus string        `json:"destinationCampus"`
	Pickup            models.Pickup `json:"pickup"`
	// Seats defaults to 1.
	Seats int `json:"seats,omitempty"`
	// RadiusMeters, when positive, rejects pickups farther than this from an
	// exact offer origin.
	RadiusMeters float64 `json:"radiusMeters,omitempty"`
}

type RideResult struct {
	RequestID    string `json:"requestId"`
	HoldID       string `json:"holdId"`
	BookingID    string `json:"bookingId,omitempty"`
	AutoAccepted bool   `json:"autoAccepted"`
}

// superseded is a pending request of the same rider and campus that the new
// request replaces.
type superseded struct {
	req     models.RideRequest
	hold    models.Hold
	hasHold bool
}

// RequestRide reserves seats on an offer for a rider. Any other pending
// request the rider holds for the same campus is canceled in the same
// transaction and the seats of its active hold go back to its offer. When
// the driver auto-accepts and the rider's recent no-shows are low, the
// request is booked immediately.
func (e *Engine) RequestRide(ctx context.Context, p RideParams) (RideResult, error) {
	switch {
	case p.PostID == "":
		return RideResult{}, errs.Invalid("postId", "is required")
	case p.RiderID == "":
		return RideResult{}, errs.Invalid("riderId", "is required")
	case p.DestinationCampus == "":
		return RideResult{}, errs.Invalid("destinationCampus", "is required")
	case p.Seats < 0:
		return RideResult{}, errs.Invalid("seats", "must be positive")
	}
	seats := p.Seats
	if seats == 0 {
		seats = 1
	}

	now := e.now()
	requestID := uuid.NewString()
	bookingID := uuid.NewString()
	var res RideResult

	err := e.runOp(ctx, "request_ride", func(tx storage.Tx) error {
		res = RideResult{RequestID: requestID, HoldID: requestID}

		// reads
		post, err := loadPost(tx, p.PostID)
		if err != nil {
			return err
		}
		pending, err := storage.Find[models.RideRequest](tx, storage.Query{
			Collection: storage.Requests,
			Where: []storage.Eq{
				{Field: "riderId", Value: p.RiderID},
				{Field: "destinationCampus", Value: p.DestinationCampus},
				{Field: "status", Value: string(models.RequestPending)},
			},
		})
		if err != nil {
			return err
		}
		prior := make([]superseded, 0, len(pending))
		others := map[string]*models.RidePost{}
		for _, r := range pending {
			h, ok, err := holdFor(tx, r.ID)
			if err != nil {
				return err
			}
			prior = append(prior, superseded{req: r, hold: h, hasHold: ok})
			if r.PostID == post.ID || others[r.PostID] != nil {
				continue
			}
			op, found, err := loadOptional[models.RidePost](tx, storage.Posts, r.PostID)
			if err != nil {
				return err
			}
			if found {
				others[r.PostID] = &op
			}
		}
		driver, _, err := loadOptional[models.UserProfile](tx, storage.Users, post.DriverID)
		if err != nil {
			return err
		}
		rider, _, err := loadOptional[models.UserProfile](tx, storage.Users, p.RiderID)
		if err != nil {
			return err
		}

		// checks
		if post.Status != models.PostOpen {
			return errs.ErrPostClosed
		}
		if !post.WindowEnd.After(now) {
			return errs.ErrTimeWindowPast
		}
		available := post.SeatsAvailable
		for _, s := range prior {
			if s.hasHold && s.hold.State == models.HoldActive && s.hold.PostID == post.ID {
				available += s.hold.Seats
			}
		}
		if available < seats {
			return errs.ErrNoSeats
		}
		if p.RadiusMeters > 0 {
			if origin, ok := post.Origin.Point(); ok && geo.DistanceMeters(origin, p.Pickup.Point()) > p.RadiusMeters {
				return errs.ErrOutOfRadius
			}
		}
		autoAccept := driver.Settings.AutoAccept && rider.Stats.NoShows7d <= MaxNoShowsForAutoAccept

		// writes
		for _, s := range prior {
			target := &post
			if s.req.PostID != post.ID {
				target = others[s.req.PostID]
			}
			if err := e.stageRelease(tx, s.req, s.hold, s.hasHold, target, now); err != nil {
				return err
			}
			s.req.Status = models.RequestCanceled
			if err := tx.Set(storage.Requests, s.req.ID, s.req); err != nil {
				return err
			}
			if target != nil {
				if err := emit(tx, notification(target.DriverID, models.NotifyRiderCanceledRequest, map[string]string{
					"requestId": s.req.ID, "postId": s.req.PostID, "riderId": s.req.RiderID,
				}, now)); err != nil {
					return err
				}
			}
		}
		for _, op := range others {
			if err := tx.Set(storage.Posts, op.ID, *op); err != nil {
				return err
			}
		}
		if err := adjustSeats(&post, -seats, now); err != nil {
			return err
		}
		if err := tx.Set(storage.Posts, post.ID, post); err != nil {
			return err
		}

		req := models.RideRequest{
			ID:                requestID,
			PostID:            post.ID,
			RiderID:           p.RiderID,
			DestinationCampus: p.DestinationCampus,
			Status:            models.RequestPending,
			Pickup:            p.Pickup,
			CreatedAt:         now,
			ExpiresAt:         now.Add(e.requestTTL()),
		}
		hold := models.Hold{
			ID:        requestID,
			PostID:    post.ID,
			RequestID: requestID,
			RiderID:   p.RiderID,
			Seats:     seats,
			State:     models.HoldActive,
			CreatedAt: now,
			ExpiresAt: req.ExpiresAt,
		}
		if err := emit(tx, notification(post.DriverID, models.NotifyRequestCreated, map[string]string{
			"requestId": requestID, "postId": post.ID, "riderId": p.RiderID,
		}, now)); err != nil {
			return err
		}
		if autoAccept {
			if _, err := confirm(tx, &req, &hold, post, bookingID, true, now); err != nil {
				return err
			}
			res.BookingID = bookingID
			res.AutoAccepted = true
			return nil
		}
		if err := tx.Set(storage.Requests, req.ID, req); err != nil {
			return err
		}
		return tx.Set(storage.Holds, hold.ID, hold)
	})
	if err != nil {
		return RideResult{}, err
	}

	observability.RequestsCreated.Inc()
	if res.AutoAccepted {
		observability.BookingsConfirmed.WithLabelValues("true").Inc()
	}
	e.logger().Info("ride requested", "request_id", res.RequestID, "post_id", p.PostID, "rider_id", p.RiderID, "seats", seats, "auto_accepted", res.AutoAccepted)
	return res, nil
}

// stageRelease releases an active hold and returns its seats to target.
// A request without an active hold owns no seats, so nothing is returned.
func (e *Engine) stageRelease(tx storage.Tx, req models.RideRequest, hold models.Hold, hasHold bool, target *models.RidePost, now time.Time) error {
	if !hasHold || hold.State != models.HoldActive {
		return nil
	}
	hold.State = models.HoldReleased
	if err := tx.Set(storage.Holds, hold.ID, hold); err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	return adjustSeats(target, hold.Seats, now)
}

// AcceptRequest books a pending request. It is a no-op for requests that
// already left the pending state and returns their booking ID if any.
func (e *Engine) AcceptRequest(ctx context.Context, requestID string) (string, error) {
	now := e.now()
	bookingID := uuid.NewString()
	var out string
	var booked bool
	err := e.runOp(ctx, "accept_request", func(tx storage.Tx) error {
		booked = false
		req, err := storage.Get[models.RideRequest](tx, storage.Requests, requestID)
		if errors.Is(err, storage.ErrNotFound) {
			return errs.ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		if req.Status != models.RequestPending && req.Status != models.RequestAccepted {
			out = req.BookingID
			return nil
		}
		post, err := loadPost(tx, req.PostID)
		if err != nil {
			return err
		}
		hold, ok, err := holdFor(tx, req.ID)
		if err != nil {
			return err
		}
		if !ok || hold.State != models.HoldActive {
			// the request owns no seat yet; take one now
			if post.SeatsAvailable < 1 {
				return errs.ErrNoSeats
			}
			if err := adjustSeats(&post, -1, now); err != nil {
				return err
			}
			if err := tx.Set(storage.Posts, post.ID, post); err != nil {
				return err
			}
			hold = models.Hold{ID: req.ID, PostID: req.PostID, RequestID: req.ID, RiderID: req.RiderID, Seats: 1, CreatedAt: now, ExpiresAt: req.ExpiresAt}
		}
		if _, err := confirm(tx, &req, &hold, post, bookingID, false, now); err != nil {
			return err
		}
		out = bookingID
		booked = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if booked {
		observability.BookingsConfirmed.WithLabelValues("false").Inc()
		e.logger().Info("request accepted", "request_id", requestID, "booking_id", out)
	}
	return out, nil
}

// DeclineRequest is the driver's refusal of a pending request.
func (e *Engine) DeclineRequest(ctx context.Context, requestID string) error {
	return e.closeRequest(ctx, "decline_request", requestID, models.RequestDeclined, func(r models.RideRequest) bool {
		return r.Status == models.RequestPending || r.Status == models.RequestAccepted
	}, nil)
}

// CancelRequest is the rider withdrawing a pending request. The driver is
// notified.
func (e *Engine) CancelRequest(ctx context.Context, requestID string) error {
	return e.closeRequest(ctx, "cancel_request", requestID, models.RequestCanceled, func(r models.RideRequest) bool {
		return r.Status == models.RequestPending
	}, func(r models.RideRequest, post *models.RidePost, now time.Time) []models.Effect {
		if post == nil {
			return nil
		}
		return []models.Effect{notification(post.DriverID, models.NotifyRiderCanceledRequest, map[string]string{
			"requestId": r.ID, "postId": r.PostID, "riderId": r.RiderID,
		}, now)}
	})
}

// ExpireRequestIfNeeded expires a pending request whose deadline is at or
// before now and tells the rider. A scheduler calls it per request.
func (e *Engine) ExpireRequestIfNeeded(ctx context.Context, requestID string, now time.Time) error {
	return e.closeRequestAt(ctx, "expire_request", requestID, models.RequestExpired, now, func(r models.RideRequest) bool {
		return r.Status == models.RequestPending && !r.ExpiresAt.After(now)
	}, func(r models.RideRequest, _ *models.RidePost, now time.Time) []models.Effect {
		return []models.Effect{notification(r.RiderID, models.NotifyRequestExpired, map[string]string{
			"requestId": r.ID, "postId": r.PostID, "message": "Request expired. Seat released.",
		}, now)}
	})
}

func (e *Engine) closeRequest(ctx context.Context, op, requestID string, to models.RequestStatus, eligible func(models.RideRequest) bool, effects func(models.RideRequest, *models.RidePost, time.Time) []models.Effect) error {
	return e.closeRequestAt(ctx, op, requestID, to, e.now(), eligible, effects)
}

// closeRequestAt moves an eligible request to a terminal state and returns
// the seats of its active hold. Missing or ineligible requests are a no-op.
func (e *Engine) closeRequestAt(ctx context.Context, op, requestID string, to models.RequestStatus, now time.Time, eligible func(models.RideRequest) bool, effects func(models.RideRequest, *models.RidePost, time.Time) []models.Effect) error {
	var changed bool
	err := e.runOp(ctx, op, func(tx storage.Tx) error {
		changed = false
		req, found, err := loadOptional[models.RideRequest](tx, storage.Requests, requestID)
		if err != nil || !found || !eligible(req) {
			return err
		}
		post, hasPost, err := loadOptional[models.RidePost](tx, storage.Posts, req.PostID)
		if err != nil {
			return err
		}
		hold, hasHold, err := holdFor(tx, req.ID)
		if err != nil {
			return err
		}
		var target *models.RidePost
		if hasPost {
			target = &post
		}
		if err := e.stageRelease(tx, req, hold, hasHold, target, now); err != nil {
			return err
		}
		if target != nil {
			if err := tx.Set(storage.Posts, post.ID, post); err != nil {
				return err
			}
		}
		req.Status = to
		if err := tx.Set(storage.Requests, req.ID, req); err != nil {
			return err
		}
		if effects != nil {
			if err := emit(tx, effects(req, target, now)...); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err == nil && changed {
		e.logger().Info("request closed", "request_id", requestID, "status", to)
	}
	return err
}

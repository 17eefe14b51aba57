package booking

import (
	"context"
	"time"

	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/rideposts"
	"github.com/example/campus-rideshare/internal/storage"
)

// outstanding are the request states whose riders hear about a canceled offer.
var outstanding = []models.RequestStatus{models.RequestPending, models.RequestAccepted, models.RequestBooked}

// CancelRidePostWithNotify cancels an offer and records a post_canceled
// notification for the driver. Riders with outstanding requests are notified
// afterwards; failures there are logged and never undo the cancellation.
func (e *Engine) CancelRidePostWithNotify(ctx context.Context, postID string) error {
	now := e.now()
	var post models.RidePost
	var changed bool
	err := e.runOp(ctx, "cancel_post", func(tx storage.Tx) error {
		changed = false
		p, found, err := loadOptional[models.RidePost](tx, storage.Posts, postID)
		if err != nil || !found || p.Status == models.PostCanceled {
			return err
		}
		u, err := rideposts.BuildStatusUpdate(p.Status, models.PostCanceled)
		if err != nil {
			return err
		}
		u.Apply(&p, now)
		if err := tx.Set(storage.Posts, p.ID, p); err != nil {
			return err
		}
		post = p
		changed = true
		return emit(tx, notification(p.DriverID, models.NotifyPostCanceled, map[string]string{"postId": p.ID}, now))
	})
	if err != nil || !changed {
		return err
	}
	e.logger().Info("ride post canceled", "post_id", postID)
	e.notifyRiders(ctx, post, now)
	return nil
}

func (e *Engine) notifyRiders(ctx context.Context, post models.RidePost, now time.Time) {
	for _, st := range outstanding {
		reqs, err := storage.List[models.RideRequest](ctx, e.Store, storage.Query{
			Collection: storage.Requests,
			Where: []storage.Eq{
				{Field: "postId", Value: post.ID},
				{Field: "status", Value: string(st)},
			},
		})
		if err != nil {
			e.logger().Warn("list riders of canceled post", "post_id", post.ID, "status", st, "err", err)
			continue
		}
		for _, r := range reqs {
			ef := notification(r.RiderID, models.NotifyPostCanceled, map[string]string{
				"postId": post.ID, "requestId": r.ID,
			}, now)
			if err := e.Store.Set(ctx, storage.Outbox, ef.ID, ef); err != nil {
				e.logger().Warn("notify rider of canceled post", "post_id", post.ID, "rider_id", r.RiderID, "err", err)
			}
		}
	}
}

// StartTrip moves an open offer to inTrip. Pending requests are left for
// the expiry scheduler.
func (e *Engine) StartTrip(ctx context.Context, postID string) error {
	return e.transitionPost(ctx, "start_trip", postID, models.PostInTrip, e.now(), nil)
}

// ExpirePostIfNeeded expires an open offer whose window has ended.
func (e *Engine) ExpirePostIfNeeded(ctx context.Context, postID string, now time.Time) error {
	return e.transitionPost(ctx, "expire_post", postID, models.PostExpired, now, func(p models.RidePost) bool {
		return p.Status == models.PostOpen && !p.WindowEnd.After(now)
	})
}

// transitionPost applies a status change. A nil eligible means the change
// is always attempted and an illegal one is reported.
func (e *Engine) transitionPost(ctx context.Context, op, postID string, to models.PostStatus, now time.Time, eligible func(models.RidePost) bool) error {
	return e.runOp(ctx, op, func(tx storage.Tx) error {
		p, err := loadPost(tx, postID)
		if err != nil {
			return err
		}
		if eligible != nil && !eligible(p) {
			return nil
		}
		u, err := rideposts.BuildStatusUpdate(p.Status, to)
		if err != nil {
			return err
		}
		u.Apply(&p, now)
		return tx.Set(storage.Posts, p.ID, p)
	})
}

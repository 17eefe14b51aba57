// Package search serves forward-only pages of open offers for a campus,
// ordered by window start with the latest first.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/geo"
	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/observability"
	"github.com/example/campus-rideshare/internal/ratelimit"
	"github.com/example/campus-rideshare/internal/storage"
)

const DefaultLimit = 10

// Cursor resumes a search after the last item of the previous page.
type Cursor struct {
	WindowStartMs int64   `json:"windowStartMs"`
	LastID        string  `json:"lastId,omitempty"`
	LastDistance  float64 `json:"lastDistance,omitempty"`
}

type Params struct {
	RiderID           string    `json:"riderId" validate:"required"`
	DestinationCampus string    `json:"destinationCampus" validate:"required"`
	Pickup            geo.Point `json:"pickup"`
	RadiusMeters      float64   `json:"radiusMeters" validate:"gt=0"`
	Limit             int       `json:"limit,omitempty" validate:"gte=0,lte=100"`
	Cursor            *Cursor   `json:"cursor,omitempty"`
}

type Item struct {
	ID                string  `json:"id"`
	DestinationCampus string  `json:"destinationCampus"`
	WindowStartMs     int64   `json:"windowStartMs"`
	DistanceMeters    float64 `json:"distanceMeters"`
	SeatsAvailable    int     `json:"seatsAvailable"`
}

// Page holds one page of results. NextCursor is nil when the page is empty.
type Page struct {
	Items      []Item  `json:"items"`
	NextCursor *Cursor `json:"nextCursor"`
}

type Paginator struct {
	Store   storage.Store
	Limiter ratelimit.Limiter
	Now     func() time.Time
}

// Search returns the next page for p. Riders over their rate limit get
// errs.ErrThrottled before the store is queried.
func (s *Paginator) Search(ctx context.Context, p Params) (Page, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if s.Limiter != nil {
		ok, err := s.Limiter.Allow(ctx, p.RiderID, now)
		if err != nil {
			return Page{}, errs.Unavailable(err)
		}
		if !ok {
			observability.SearchesThrottled.Inc()
			return Page{}, errs.ErrThrottled
		}
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	q := storage.Query{
		Collection: storage.Posts,
		Where:      []storage.Eq{{Field: "destinationCampus", Value: p.DestinationCampus}},
		OrderBy:    "windowStart",
		Desc:       true,
	}
	if p.Cursor != nil && p.Cursor.WindowStartMs > 0 {
		// Inclusive bound on the last instant of the cursor's millisecond.
		at := time.UnixMilli(p.Cursor.WindowStartMs).Add(time.Millisecond - 1).UTC()
		q.StartAt = &at
	}
	posts, err := storage.List[models.RidePost](ctx, s.Store, q)
	if err != nil {
		return Page{}, fmt.Errorf("search posts: %w", err)
	}
	// The cursor has millisecond resolution, so ties are broken by id within
	// a millisecond rather than by any finer stored precision.
	sort.SliceStable(posts, func(i, j int) bool {
		mi, mj := posts[i].WindowStart.UnixMilli(), posts[j].WindowStart.UnixMilli()
		if mi != mj {
			return mi > mj
		}
		return posts[i].ID < posts[j].ID
	})
	observability.SearchesTotal.Inc()

	items := make([]Item, 0, limit)
	for _, post := range posts {
		ws := post.WindowStart.UnixMilli()
		if p.Cursor != nil && ws == p.Cursor.WindowStartMs && post.ID <= p.Cursor.LastID {
			continue
		}
		if post.Status != models.PostOpen || post.SeatsAvailable <= 0 || !post.WindowEnd.After(now) {
			continue
		}
		origin, ok := post.Origin.Point()
		if !ok {
			continue
		}
		dist := geo.DistanceMeters(origin, p.Pickup)
		if math.IsNaN(dist) || math.IsInf(dist, 0) || dist > p.RadiusMeters {
			continue
		}
		items = append(items, Item{
			ID:                post.ID,
			DestinationCampus: post.DestinationCampus,
			WindowStartMs:     ws,
			DistanceMeters:    math.Round(dist),
			SeatsAvailable:    post.SeatsAvailable,
		})
		if len(items) >= limit {
			break
		}
	}
	if len(items) == 0 {
		return Page{Items: items}, nil
	}
	last := items[len(items)-1]
	return Page{Items: items, NextCursor: &Cursor{WindowStartMs: last.WindowStartMs, LastID: last.ID, LastDistance: last.DistanceMeters}}, nil
}

// OpenRide is an open offer annotated with its driver's profile rating.
type OpenRide struct {
	models.RidePost
	DriverProfileRating float64 `json:"driverProfileRating"`
}

// OpenRides lists open offers, optionally for one campus, whose driver's
// profile rating is at least minDriverRating. Drivers without a profile rate 0.
func OpenRides(ctx context.Context, st storage.Store, campus string, minDriverRating float64) ([]OpenRide, error) {
	q := storage.Query{Collection: storage.Posts, Where: []storage.Eq{{Field: "status", Value: string(models.PostOpen)}}}
	if campus != "" {
		q.Where = append(q.Where, storage.Eq{Field: "destinationCampus", Value: campus})
	}
	posts, err := storage.List[models.RidePost](ctx, st, q)
	if err != nil {
		return nil, fmt.Errorf("open rides: %w", err)
	}
	ratings := map[string]float64{}
	out := make([]OpenRide, 0, len(posts))
	for _, p := range posts {
		rating, seen := ratings[p.DriverID]
		if !seen {
			u, err := storage.Load[models.UserProfile](ctx, st, storage.Users, p.DriverID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("driver %s: %w", p.DriverID, err)
			}
			rating = u.Rating
			ratings[p.DriverID] = rating
		}
		if rating >= minDriverRating {
			out = append(out, OpenRide{RidePost: p, DriverProfileRating: rating})
		}
	}
	return out, nil
}

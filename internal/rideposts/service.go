package rideposts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/storage"
)

// Payload is what a driver submits from the post form: a departure relative
// to now and a window length, both in minutes.
type Payload struct {
	Origin                 OriginInput `json:"origin"`
	DestinationCampus      string      `json:"destinationCampus"`
	Seats                  int         `json:"seats"`
	DepartureOffsetMinutes int         `json:"departureOffsetMinutes"`
	WindowDurationMinutes  int         `json:"windowDurationMinutes"`
	DriverReliability      *float64    `json:"driverReliability,omitempty"`
	DriverRating           *float64    `json:"driverRating,omitempty"`
}

// Snapshot is the client view of an offer.
type Snapshot struct {
	PostID            string            `json:"postId"`
	Status            models.PostStatus `json:"status"`
	SeatsAvailable    int               `json:"seatsAvailable"`
	SeatsTotal        int               `json:"seatsTotal"`
	DestinationCampus string            `json:"destinationCampus"`
	WindowStart       time.Time         `json:"windowStart"`
	WindowEnd         time.Time         `json:"windowEnd"`
	OriginLabel       string            `json:"originLabel"`
	OriginPrecision   models.Precision  `json:"originPrecision"`
}

func SnapshotOf(p models.RidePost) Snapshot {
	label := p.Origin.Label
	if label == "" {
		label = "Unknown origin"
	}
	prec := p.Origin.Precision
	if prec == "" {
		prec = models.PrecisionApproximate
	}
	return Snapshot{
		PostID:            p.ID,
		Status:            p.Status,
		SeatsAvailable:    p.SeatsAvailable,
		SeatsTotal:        p.SeatsTotal,
		DestinationCampus: p.DestinationCampus,
		WindowStart:       p.WindowStart,
		WindowEnd:         p.WindowEnd,
		OriginLabel:       label,
		OriginPrecision:   prec,
	}
}

// Frame is one live update pushed to subscribers: the full current result
// set, or an error message.
type Frame struct {
	Items []Snapshot `json:"items"`
	Error string     `json:"error,omitempty"`
}

func FrameOf(posts []models.RidePost) Frame {
	items := make([]Snapshot, len(posts))
	for i, p := range posts {
		items[i] = SnapshotOf(p)
	}
	return Frame{Items: items}
}

// FeedQuery selects the open offers of a campus, latest window first.
func FeedQuery(campus string) storage.Query {
	q := storage.Query{
		Collection: storage.Posts,
		Where:      []storage.Eq{{Field: "status", Value: string(models.PostOpen)}},
		OrderBy:    "windowStart",
		Desc:       true,
	}
	if campus != "" {
		q.Where = append(q.Where, storage.Eq{Field: "destinationCampus", Value: campus})
	}
	return q
}

// PostQuery selects a single offer by ID.
func PostQuery(id string) storage.Query {
	return storage.Query{Collection: storage.Posts, Where: []storage.Eq{{Field: "id", Value: id}}}
}

type Service struct {
	Store storage.Store
	Now   func() time.Time
}

// Publish validates and stores a new open offer for driverID.
func (s *Service) Publish(ctx context.Context, driverID string, pl Payload) (Snapshot, error) {
	if pl.WindowDurationMinutes <= 0 {
		return Snapshot{}, errs.Invalid("windowDurationMinutes", "must be positive")
	}
	now := s.now()
	start := now.Add(time.Duration(pl.DepartureOffsetMinutes) * time.Minute)
	post, err := CreateOffer(OfferInput{
		DriverID:          driverID,
		Origin:            pl.Origin,
		DestinationCampus: pl.DestinationCampus,
		SeatsTotal:        pl.Seats,
		WindowStart:       start,
		WindowEnd:         start.Add(time.Duration(pl.WindowDurationMinutes) * time.Minute),
		DriverReliability: pl.DriverReliability,
		DriverRating:      pl.DriverRating,
	}, now)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Save(ctx, post)
}

// Save assigns an ID and writes a validated offer.
func (s *Service) Save(ctx context.Context, post models.RidePost) (Snapshot, error) {
	post.ID = uuid.NewString()
	if err := s.Store.Set(ctx, storage.Posts, post.ID, post); err != nil {
		return Snapshot{}, fmt.Errorf("save ride post: %w", err)
	}
	return SnapshotOf(post), nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

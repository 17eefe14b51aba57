package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/example/campus-rideshare/internal/geo"
	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/observability"
	"github.com/example/campus-rideshare/internal/storage"
)

const (
	DefaultTopN         = 10
	DefaultRadiusMeters = 1000.0
	DefaultCampus       = "Burnaby"
	windowGrace         = 6 * time.Minute
	timeHorizon         = 60 * time.Minute
	weightTime          = 0.40
	weightGeo           = 0.35
	weightReliability   = 0.15
	weightRating        = 0.10
	neutralQualityScore = 0.5
)

type Filters struct {
	DestinationCampus string    `json:"destinationCampus"`
	Pickup            geo.Point `json:"pickup"`
	RadiusMeters      float64   `json:"radiusMeters"`
}

// Rank keeps open offers with free seats whose window started no more than
// the grace period ago and whose origin lies within the radius, then orders
// them by composite score.
func Rank(f Filters, candidates []models.RidePost, now time.Time) []models.MatchEntry {
	radius := math.Max(1, f.RadiusMeters)
	out := make([]models.MatchEntry, 0, len(candidates))
	for _, p := range candidates {
		if p.Status != models.PostOpen || p.SeatsAvailable <= 0 {
			continue
		}
		if f.DestinationCampus != "" && p.DestinationCampus != f.DestinationCampus {
			continue
		}
		if p.WindowStart.Add(windowGrace).Before(now) {
			continue
		}
		origin, ok := p.Origin.Point()
		if !ok {
			continue
		}
		dist := geo.DistanceMeters(origin, f.Pickup)
		if math.IsNaN(dist) || dist > f.RadiusMeters {
			continue
		}
		e := models.MatchEntry{
			PostID:            p.ID,
			DestinationCampus: p.DestinationCampus,
			SeatsAvailable:    p.SeatsAvailable,
			DistanceMeters:    math.Round(dist),
			WindowStartMs:     p.WindowStart.UnixMilli(),
			DriverRating:      p.DriverRating,
			DriverReliability: p.DriverReliability,
		}
		e.Score = score(e, radius, now)
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceMeters != b.DistanceMeters {
			return a.DistanceMeters < b.DistanceMeters
		}
		if a.WindowStartMs != b.WindowStartMs {
			return a.WindowStartMs > b.WindowStartMs
		}
		return a.PostID < b.PostID
	})
	return out
}

func score(e models.MatchEntry, radius float64, now time.Time) float64 {
	delta := math.Max(float64(e.WindowStartMs-now.UnixMilli()), 0)
	horizon := float64(timeHorizon.Milliseconds())
	timeScore := 1 - math.Min(delta, horizon)/horizon
	geoScore := 1 - math.Min(math.Max(e.DistanceMeters, 0), radius)/radius
	reliability := neutralQualityScore
	if e.DriverReliability != nil {
		reliability = clamp01(*e.DriverReliability)
	}
	rating := neutralQualityScore
	if e.DriverRating != nil {
		rating = clamp01(*e.DriverRating / 5)
	}
	return weightTime*timeScore + weightGeo*geoScore + weightReliability*reliability + weightRating*rating
}

func clamp01(v float64) float64 { return math.Min(math.Max(v, 0), 1) }

// Service persists the top matches per rider.
type Service struct {
	Store         storage.Store
	TopN          int
	DefaultCampus string
	DefaultRadius float64
}

// Recompute ranks the offers for riderID and stores the top N as the rider's
// match list. A nil f loads the rider's saved preferences.
func (s *Service) Recompute(ctx context.Context, riderID string, f *Filters, now time.Time) (models.RiderMatchList, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if f == nil {
		loaded, err := s.riderFilters(ctx, riderID)
		if err != nil {
			return models.RiderMatchList{}, err
		}
		f = &loaded
	}
	q := storage.Query{Collection: storage.Posts, OrderBy: "windowStart", Desc: true}
	if f.DestinationCampus != "" {
		q.Where = []storage.Eq{{Field: "destinationCampus", Value: f.DestinationCampus}}
	}
	candidates, err := storage.List[models.RidePost](ctx, s.Store, q)
	if err != nil {
		return models.RiderMatchList{}, fmt.Errorf("load candidates: %w", err)
	}
	ranked := Rank(*f, candidates, now)
	if n := s.topN(); len(ranked) > n {
		ranked = ranked[:n]
	}
	list := models.RiderMatchList{RiderID: riderID, Top: ranked, UpdatedAt: now}
	if err := s.Store.Set(ctx, storage.Matches, riderID, list); err != nil {
		return models.RiderMatchList{}, fmt.Errorf("save matches: %w", err)
	}
	observability.MatchesRecomputed.Inc()
	return list, nil
}

// Sweep drops entries whose offer is gone, closed, full or past its window.
// Running it twice is the same as running it once.
func (s *Service) Sweep(ctx context.Context, riderID string, now time.Time) (models.RiderMatchList, error) {
	list, err := storage.Load[models.RiderMatchList](ctx, s.Store, storage.Matches, riderID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.RiderMatchList{RiderID: riderID, Top: []models.MatchEntry{}}, nil
	}
	if err != nil {
		return models.RiderMatchList{}, err
	}
	kept := make([]models.MatchEntry, 0, len(list.Top))
	for _, e := range list.Top {
		p, err := storage.Load[models.RidePost](ctx, s.Store, storage.Posts, e.PostID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return models.RiderMatchList{}, err
		}
		if p.Status == models.PostOpen && p.SeatsAvailable > 0 && p.WindowEnd.After(now) {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(list.Top) {
		return list, nil
	}
	list.Top = kept
	list.UpdatedAt = now
	if err := s.Store.Set(ctx, storage.Matches, riderID, list); err != nil {
		return models.RiderMatchList{}, fmt.Errorf("save matches: %w", err)
	}
	return list, nil
}

// Get returns the stored match list for riderID.
func (s *Service) Get(ctx context.Context, riderID string) (models.RiderMatchList, error) {
	return storage.Load[models.RiderMatchList](ctx, s.Store, storage.Matches, riderID)
}

func (s *Service) riderFilters(ctx context.Context, riderID string) (Filters, error) {
	u, err := storage.Load[models.UserProfile](ctx, s.Store, storage.Users, riderID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Filters{}, err
	}
	f := Filters{DestinationCampus: u.Matching.DestinationCampus, RadiusMeters: s.DefaultRadius}
	if f.DestinationCampus == "" {
		f.DestinationCampus = u.PreferredCampus
	}
	if f.DestinationCampus == "" {
		f.DestinationCampus = s.DefaultCampus
	}
	if f.DestinationCampus == "" {
		f.DestinationCampus = DefaultCampus
	}
	if u.Matching.Pickup != nil {
		f.Pickup = *u.Matching.Pickup
	}
	if u.Matching.RadiusMeters != nil {
		f.RadiusMeters = *u.Matching.RadiusMeters
	}
	if f.RadiusMeters <= 0 {
		f.RadiusMeters = DefaultRadiusMeters
	}
	return f, nil
}

func (s *Service) topN() int {
	if s.TopN <= 0 {
		return DefaultTopN
	}
	return s.TopN
}

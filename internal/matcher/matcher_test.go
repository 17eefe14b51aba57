package matcher

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/example/campus-rideshare/internal/geo"
	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/storage"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

var pickup = geo.Point{Lat: 49.25, Lng: -122.9}

// northOf returns a coordinate d meters due north of p.
func northOf(p geo.Point, d float64) (*float64, *float64) {
	lat := p.Lat + d/geo.EarthRadiusMeters*180/math.Pi
	lng := p.Lng
	return &lat, &lng
}

func post(id string, dist float64, start time.Time) models.RidePost {
	lat, lng := northOf(pickup, dist)
	return models.RidePost{
		ID:                id,
		DriverID:          "drv-" + id,
		Origin:            models.Origin{Lat: lat, Lng: lng, Label: id, Precision: models.PrecisionExact},
		DestinationCampus: "Burnaby",
		SeatsTotal:        3,
		SeatsAvailable:    3,
		WindowStart:       start,
		WindowEnd:         start.Add(30 * time.Minute),
		Status:            models.PostOpen,
	}
}

var filters = Filters{DestinationCampus: "Burnaby", Pickup: pickup, RadiusMeters: 1000}

func TestRank_GeoScoreAndOrdering(t *testing.T) {
	far := post("far", 900, now)
	near := post("near", 100, now)
	got := Rank(filters, []models.RidePost{far, near}, now)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	if got[0].PostID != "near" {
		t.Fatalf("expected closer offer first, got %s", got[0].PostID)
	}
	// time 1.0, neutral quality 0.5/0.5
	wantNear := 0.40 + 0.35*0.9 + 0.15*0.5 + 0.10*0.5
	wantFar := 0.40 + 0.35*0.1 + 0.15*0.5 + 0.10*0.5
	if math.Abs(got[0].Score-wantNear) > 1e-9 || math.Abs(got[1].Score-wantFar) > 1e-9 {
		t.Fatalf("unexpected scores %v/%v", got[0].Score, got[1].Score)
	}
	if got[0].DistanceMeters != 100 || got[1].DistanceMeters != 900 {
		t.Fatalf("unexpected distances %v/%v", got[0].DistanceMeters, got[1].DistanceMeters)
	}
}

func TestRank_Filters(t *testing.T) {
	full := post("full", 100, now)
	full.SeatsAvailable = 0
	closed := post("closed", 100, now)
	closed.Status = models.PostCanceled
	stale := post("stale", 100, now.Add(-7*time.Minute))
	grace := post("grace", 100, now.Add(-5*time.Minute))
	outside := post("outside", 1500, now)
	otherCampus := post("surrey", 100, now)
	otherCampus.DestinationCampus = "Surrey"
	approx := post("approx", 100, now)
	approx.Origin.Lat, approx.Origin.Lng = nil, nil

	got := Rank(filters, []models.RidePost{full, closed, stale, grace, outside, otherCampus, approx}, now)
	if len(got) != 1 || got[0].PostID != "grace" {
		t.Fatalf("expected only the in-grace offer, got %+v", got)
	}
}

func TestRank_TieBreaks(t *testing.T) {
	// both start beyond the horizon so time contributes 0 for each
	later := post("later", 300, now.Add(90*time.Minute))
	sooner := post("sooner", 300, now.Add(70*time.Minute))
	got := Rank(filters, []models.RidePost{sooner, later}, now)
	if got[0].PostID != "later" {
		t.Fatalf("equal score and distance should prefer later window start, got %s", got[0].PostID)
	}
	again := Rank(filters, []models.RidePost{later, sooner}, now)
	if again[0].PostID != got[0].PostID || again[1].PostID != got[1].PostID {
		t.Fatalf("ranking should not depend on input order")
	}
}

func TestRank_QualityMetrics(t *testing.T) {
	good := post("good", 500, now)
	r, rel := 5.0, 1.0
	good.DriverRating, good.DriverReliability = &r, &rel
	plain := post("plain", 500, now)
	got := Rank(filters, []models.RidePost{plain, good}, now)
	if got[0].PostID != "good" {
		t.Fatalf("expected rated driver first")
	}
	if got[0].Score-got[1].Score < 0.124 {
		t.Fatalf("expected quality bonus of 0.125, got %v", got[0].Score-got[1].Score)
	}
}

func TestService_RecomputeAndSweep(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore(storage.Options{})
	for i, d := range []float64{100, 200, 300} {
		p := post(string(rune('a'+i)), d, now)
		if err := st.Set(ctx, storage.Posts, p.ID, p); err != nil {
			t.Fatal(err)
		}
	}
	svc := &Service{Store: st, TopN: 2}
	list, err := svc.Recompute(ctx, "rider-1", &filters, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Top) != 2 || list.Top[0].PostID != "a" || list.Top[1].PostID != "b" {
		t.Fatalf("unexpected top list %+v", list.Top)
	}

	// close one offer, then sweep twice
	a, _ := storage.Load[models.RidePost](ctx, st, storage.Posts, "a")
	a.Status = models.PostCanceled
	if err := st.Set(ctx, storage.Posts, "a", a); err != nil {
		t.Fatal(err)
	}
	swept, err := svc.Sweep(ctx, "rider-1", now)
	if err != nil {
		t.Fatal(err)
	}
	if len(swept.Top) != 1 || swept.Top[0].PostID != "b" {
		t.Fatalf("unexpected swept list %+v", swept.Top)
	}
	again, err := svc.Sweep(ctx, "rider-1", now)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Top) != 1 {
		t.Fatalf("sweep should be idempotent")
	}

	// window end passing also invalidates
	later, err := svc.Sweep(ctx, "rider-1", now.Add(31*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(later.Top) != 0 {
		t.Fatalf("expected expired window to be swept")
	}
}

func TestService_RecomputeUsesSavedPreferences(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore(storage.Options{})
	p := post("x", 400, now)
	p.DestinationCampus = "Surrey"
	_ = st.Set(ctx, storage.Posts, p.ID, p)
	pk := pickup
	radius := 500.0
	_ = st.Set(ctx, storage.Users, "rider-2", models.UserProfile{
		ID:       "rider-2",
		Matching: models.MatchingPrefs{DestinationCampus: "Surrey", Pickup: &pk, RadiusMeters: &radius},
	})
	svc := &Service{Store: st}
	list, err := svc.Recompute(ctx, "rider-2", nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Top) != 1 || list.Top[0].PostID != "x" {
		t.Fatalf("expected saved filters to find x, got %+v", list.Top)
	}
}

func TestService_SweepWithoutList(t *testing.T) {
	svc := &Service{Store: storage.NewMemoryStore(storage.Options{})}
	list, err := svc.Sweep(context.Background(), "nobody", now)
	if err != nil || len(list.Top) != 0 {
		t.Fatalf("expected empty list, got %+v err=%v", list, err)
	}
}

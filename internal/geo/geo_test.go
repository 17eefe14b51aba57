package geo

import (
	"math"
	"testing"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceOneDegreeLatitude(t *testing.T) {
	d := DistanceMeters(Point{Lat: 0, Lng: 0}, Point{Lat: 1, Lng: 0})
	want := EarthRadiusMeters * math.Pi / 180
	if math.Abs(d-want) > 0.5 {
		t.Fatalf("expected ~%f, got %f", want, d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := Point{Lat: 49.2781, Lng: -122.9199}
	b := Point{Lat: 49.1867, Lng: -122.8490}
	if math.Abs(DistanceMeters(a, b)-DistanceMeters(b, a)) > 1e-9 {
		t.Fatalf("distance should be symmetric")
	}
}

func TestEncodePrecision(t *testing.T) {
	h := Encode(49.2781, -122.9199)
	if len(h) != HashPrecision {
		t.Fatalf("expected %d chars, got %q", HashPrecision, h)
	}
	if h[:3] != "c2b" {
		t.Fatalf("unexpected geohash prefix %q", h)
	}
}

func TestValidLatLng(t *testing.T) {
	cases := []struct {
		lat, lng float64
		ok       bool
	}{
		{0, 0, true},
		{90, 180, true},
		{-90.1, 0, false},
		{0, 180.5, false},
		{math.NaN(), 0, false},
		{0, math.Inf(1), false},
	}
	for _, c := range cases {
		if got := ValidLatLng(c.lat, c.lng); got != c.ok {
			t.Fatalf("ValidLatLng(%v,%v)=%v want %v", c.lat, c.lng, got, c.ok)
		}
	}
}

package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

// EarthRadiusMeters is the mean Earth radius used for all distances.
const EarthRadiusMeters = 6371000.0

// HashPrecision is the geohash length stored on offers (~150m cells).
const HashPrecision = 7

// ManualHash marks approximate origins that carry no coordinates.
const ManualHash = "manual"

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DistanceMeters is the great-circle distance between a and b.
func DistanceMeters(a, b Point) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Encode returns the fixed-precision geohash for a coordinate.
func Encode(lat, lng float64) string {
	return geohash.EncodeWithPrecision(lat, lng, HashPrecision)
}

// ValidLatLng reports whether lat/lng are finite and inside their ranges.
func ValidLatLng(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

package models

import (
	"time"

	"github.com/example/campus-rideshare/internal/geo"
)

type PostStatus string

const (
	PostOpen     PostStatus = "open"
	PostExpired  PostStatus = "expired"
	PostCanceled PostStatus = "canceled"
	PostInTrip   PostStatus = "inTrip"
)

type Precision string

const (
	PrecisionExact       Precision = "exact"
	PrecisionApproximate Precision = "approximate"
)

// Origin is where a driver starts. Lat/Lng are nil for approximate origins
// entered without coordinates.
type Origin struct {
	Lat       *float64  `json:"lat"`
	Lng       *float64  `json:"lng"`
	Label     string    `json:"label"`
	Precision Precision `json:"precision"`
	Geohash   string    `json:"geohash"`
}

// Point returns the origin coordinates when both are present.
func (o Origin) Point() (geo.Point, bool) {
	if o.Lat == nil || o.Lng == nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: *o.Lat, Lng: *o.Lng}, true
}

// RidePost is a driver's offer.
type RidePost struct {
	ID                string     `json:"id"`
	DriverID          string     `json:"driverId"`
	Origin            Origin     `json:"origin"`
	DestinationCampus string     `json:"destinationCampus"`
	SeatsTotal        int        `json:"seatsTotal"`
	SeatsAvailable    int        `json:"seatsAvailable"`
	WindowStart       time.Time  `json:"windowStart"`
	WindowEnd         time.Time  `json:"windowEnd"`
	Geohash           string     `json:"geohash"`
	Status            PostStatus `json:"status"`
	DriverRating      *float64   `json:"driverRating,omitempty"`
	DriverReliability *float64   `json:"driverReliability,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
	RequestExpired  RequestStatus = "expired"
	RequestCanceled RequestStatus = "canceled"
	RequestBooked   RequestStatus = "booked"
)

type Pickup struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Label    string  `json:"label"`
	IsApprox bool    `json:"isApprox"`
}

func (p Pickup) Point() geo.Point { return geo.Point{Lat: p.Lat, Lng: p.Lng} }

type RideRequest struct {
	ID                string        `json:"id"`
	PostID            string        `json:"postId"`
	RiderID           string        `json:"riderId"`
	DestinationCampus string        `json:"destinationCampus"`
	Status            RequestStatus `json:"status"`
	Pickup            Pickup        `json:"pickup"`
	AutoAccepted      bool          `json:"autoAccepted"`
	BookingID         string        `json:"bookingId,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	ExpiresAt         time.Time     `json:"expiresAt"`
}

type HoldState string

const (
	HoldActive   HoldState = "active"
	HoldReleased HoldState = "released"
	HoldConsumed HoldState = "consumed"
)

// Hold reserves seats for one pending request.
type Hold struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	RequestID string    `json:"requestId"`
	RiderID   string    `json:"riderId"`
	Seats     int       `json:"seats"`
	State     HoldState `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingCanceled  BookingStatus = "canceled"
	BookingCompleted BookingStatus = "completed"
)

type Booking struct {
	ID          string        `json:"id"`
	PostID      string        `json:"postId"`
	RiderID     string        `json:"riderId"`
	DriverID    string        `json:"driverId"`
	Seats       int           `json:"seats"`
	Pickup      Pickup        `json:"pickup"`
	Status      BookingStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	RequestID   string        `json:"requestId"`
}

type MatchEntry struct {
	PostID            string   `json:"postId"`
	DestinationCampus string   `json:"destinationCampus"`
	SeatsAvailable    int      `json:"seatsAvailable"`
	DistanceMeters    float64  `json:"distanceMeters"`
	WindowStartMs     int64    `json:"windowStartMs"`
	Score             float64  `json:"score"`
	DriverRating      *float64 `json:"driverRating,omitempty"`
	DriverReliability *float64 `json:"driverReliability,omitempty"`
}

// RiderMatchList is a derived cache of the best offers for a rider.
type RiderMatchList struct {
	RiderID   string       `json:"riderId"`
	Top       []MatchEntry `json:"top"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

type UserSettings struct {
	AutoAccept bool `json:"autoAccept"`
}

type UserStats struct {
	NoShows7d int `json:"noShows7d"`
}

// MatchingPrefs are the rider's saved search filters.
type MatchingPrefs struct {
	DestinationCampus string     `json:"destinationCampus,omitempty"`
	Pickup            *geo.Point `json:"pickup,omitempty"`
	RadiusMeters      *float64   `json:"radiusMeters,omitempty"`
}

type UserProfile struct {
	ID              string        `json:"id"`
	PreferredCampus string        `json:"preferredCampus,omitempty"`
	Rating          float64       `json:"rating"`
	Settings        UserSettings  `json:"settings"`
	Stats           UserStats     `json:"stats"`
	Matching        MatchingPrefs `json:"matching"`
}

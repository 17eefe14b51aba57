// Package rideposts validates and builds ride offer records and the patches
// that move them through their lifecycle.
package rideposts

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/geo"
	"github.com/example/campus-rideshare/internal/models"
)

// Transitions lists the allowed next states for each post status. Every
// state other than open is terminal.
var Transitions = map[models.PostStatus][]models.PostStatus{
	models.PostOpen:     {models.PostExpired, models.PostCanceled, models.PostInTrip},
	models.PostExpired:  {},
	models.PostCanceled: {},
	models.PostInTrip:   {},
}

type OriginInput struct {
	Lat       *float64         `json:"lat"`
	Lng       *float64         `json:"lng"`
	Label     string           `json:"label" validate:"required"`
	Precision models.Precision `json:"precision" validate:"required,oneof=exact approximate"`
}

type OfferInput struct {
	DriverID          string      `json:"driverId" validate:"required"`
	Origin            OriginInput `json:"origin"`
	DestinationCampus string      `json:"destinationCampus" validate:"required"`
	SeatsTotal        int         `json:"seatsTotal"`
	// SeatsAvailable defaults to SeatsTotal.
	SeatsAvailable    *int      `json:"seatsAvailable,omitempty"`
	WindowStart       time.Time `json:"windowStart"`
	WindowEnd         time.Time `json:"windowEnd"`
	DriverReliability *float64  `json:"driverReliability,omitempty"`
	DriverRating      *float64  `json:"driverRating,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate runs struct-tag validation and reports the first failure as an
// *errs.ValidationError keyed by JSON path.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Tag() == "required" {
			return errs.Invalid(field, "is required")
		}
		return errs.Invalid(field, "failed "+fe.Tag()+" check")
	}
	return errs.Invalid("", err.Error())
}

// CreateOffer validates in and returns a write-ready open offer. The caller
// assigns the ID.
func CreateOffer(in OfferInput, now time.Time) (models.RidePost, error) {
	if err := Validate(in); err != nil {
		return models.RidePost{}, err
	}
	if err := validateOrigin(in.Origin); err != nil {
		return models.RidePost{}, err
	}
	if !in.WindowEnd.Truncate(time.Millisecond).After(in.WindowStart.Truncate(time.Millisecond)) {
		return models.RidePost{}, errs.Invalid("windowEnd", "must be after windowStart")
	}
	available := in.SeatsTotal
	if in.SeatsAvailable != nil {
		available = *in.SeatsAvailable
	}
	if err := validateSeats(available, in.SeatsTotal); err != nil {
		return models.RidePost{}, err
	}

	hash := geo.ManualHash
	if in.Origin.Lat != nil && in.Origin.Lng != nil {
		hash = geo.Encode(*in.Origin.Lat, *in.Origin.Lng)
	}

	p := models.RidePost{
		DriverID: in.DriverID,
		Origin: models.Origin{
			Lat:       in.Origin.Lat,
			Lng:       in.Origin.Lng,
			Label:     in.Origin.Label,
			Precision: in.Origin.Precision,
			Geohash:   hash,
		},
		DestinationCampus: in.DestinationCampus,
		SeatsTotal:        in.SeatsTotal,
		SeatsAvailable:    available,
		WindowStart:       in.WindowStart.Truncate(time.Millisecond),
		WindowEnd:         in.WindowEnd.Truncate(time.Millisecond),
		Geohash:           hash,
		Status:            models.PostOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if in.DriverReliability != nil {
		r := clamp(*in.DriverReliability, 0, 1)
		p.DriverReliability = &r
	}
	if in.DriverRating != nil {
		r := clamp(*in.DriverRating, 0, 5)
		p.DriverRating = &r
	}
	return p, nil
}

func validateOrigin(o OriginInput) error {
	if o.Precision == models.PrecisionApproximate && (o.Lat == nil || o.Lng == nil) {
		return nil
	}
	if o.Lat == nil || o.Lng == nil {
		return errs.Invalid("origin", "coordinates required for exact locations")
	}
	if !geo.ValidLatLng(*o.Lat, *o.Lng) {
		return errs.Invalid("origin", "coordinates out of bounds")
	}
	return nil
}

func validateSeats(available, total int) error {
	if total <= 0 {
		return errs.Invalid("seatsTotal", "must be a positive integer")
	}
	if available < 0 {
		return errs.Invalid("seatsAvailable", "must be non-negative")
	}
	if available > total {
		return errs.Invalid("seatsAvailable", "cannot exceed seatsTotal")
	}
	return nil
}

// StatusUpdate is a validated status change.
type StatusUpdate struct {
	Status models.PostStatus
}

func (u StatusUpdate) Apply(p *models.RidePost, now time.Time) {
	p.Status = u.Status
	p.UpdatedAt = now
}

// BuildStatusUpdate fails with *errs.TransitionError unless next is allowed
// from current.
func BuildStatusUpdate(current, next models.PostStatus) (StatusUpdate, error) {
	for _, s := range Transitions[current] {
		if s == next {
			return StatusUpdate{Status: next}, nil
		}
	}
	return StatusUpdate{}, &errs.TransitionError{From: string(current), To: string(next)}
}

// SeatUpdate is a validated seat counter change.
type SeatUpdate struct {
	SeatsAvailable int
	SeatsTotal     int
}

func (u SeatUpdate) Apply(p *models.RidePost, now time.Time) {
	p.SeatsAvailable = u.SeatsAvailable
	p.SeatsTotal = u.SeatsTotal
	p.UpdatedAt = now
}

// BuildSeatUpdate re-checks 0 <= available <= total before producing a patch.
func BuildSeatUpdate(available, total int) (SeatUpdate, error) {
	if err := validateSeats(available, total); err != nil {
		return SeatUpdate{}, err
	}
	return SeatUpdate{SeatsAvailable: available, SeatsTotal: total}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

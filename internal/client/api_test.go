package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/campus-rideshare/internal/booking"
	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/rideposts"
	"github.com/gorilla/mux"
)

func errorServer(t *testing.T, status int, body string) *API {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return NewAPI(ts.URL)
}

func TestAPIErrorMapping(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"no seats", 409, `{"code":"NO_SEATS","message":"NO_SEATS"}`, errs.ErrNoSeats},
		{"out of radius", 409, `{"code":"OUT_OF_RADIUS"}`, errs.ErrOutOfRadius},
		{"throttled", 429, `{"code":"THROTTLED"}`, errs.ErrThrottled},
		{"unavailable", 503, `{"code":"UNAVAILABLE"}`, errs.ErrUnavailable},
		{"gateway", 502, ``, errs.ErrUnavailable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := errorServer(t, c.status, c.body).RequestRide(ctx, booking.RideParams{})
			if !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
		})
	}

	err := errorServer(t, 400, `{"code":"VALIDATION","field":"riderId","message":"is required"}`).CancelRequest(ctx, "x")
	var ve *errs.ValidationError
	if !errors.As(err, &ve) || ve.Field != "riderId" || errs.IsRetryable(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	err = errorServer(t, 500, `{"code":"INTERNAL"}`).CancelBooking(ctx, "b")
	if err == nil || errs.IsRetryable(err) || errs.Code(err) != "" {
		t.Fatalf("expected plain failure, got %v", err)
	}
}

func TestAPIConnectionRefusedIsRetryable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	api := NewAPI(ts.URL)
	ts.Close()
	_, err := api.PublishPost(context.Background(), "d1", rideposts.Payload{})
	if !errs.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestAPIRoundTrips(t *testing.T) {
	var gotPublish map[string]any
	router := mux.NewRouter()
	router.Methods(http.MethodPost).Path("/api/v1/posts").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotPublish)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rideposts.Snapshot{PostID: "p1", Status: models.PostOpen})
	})
	router.Methods(http.MethodGet).Path("/api/v1/rides/open").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("destinationCampus") != "Surrey" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "p1", "status": "open", "seatsAvailable": 2, "driverProfileRating": 4.5}})
	})
	router.Methods(http.MethodPost).Path("/api/v1/requests/{id}/cancel").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	ts := httptest.NewServer(router)
	defer ts.Close()
	api := NewAPI(ts.URL + "/")
	ctx := context.Background()

	snap, err := api.PublishPost(ctx, "d1", rideposts.Payload{DestinationCampus: "Surrey", Seats: 2})
	if err != nil || snap.PostID != "p1" {
		t.Fatalf("publish: %v %+v", err, snap)
	}
	if gotPublish["driverId"] != "d1" || gotPublish["destinationCampus"] != "Surrey" {
		t.Fatalf("publish body not flattened: %v", gotPublish)
	}

	open, err := api.OpenRides(ctx, "Surrey")
	if err != nil || len(open) != 1 || open[0].SeatsAvailable != 2 || open[0].OriginLabel != "Unknown origin" {
		t.Fatalf("open rides: %v %+v", err, open)
	}
	if err := api.CancelRequest(ctx, "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

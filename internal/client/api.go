// Package client talks to the API from a rider or driver device. It keeps a
// local view of live data and queues actions while the network is down.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/campus-rideshare/internal/booking"
	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/rideposts"
)

// API is a thin JSON client for the /api/v1 routes. Domain failures come
// back as the errs sentinels; transport failures wrap errs.ErrUnavailable.
type API struct {
	BaseURL string
	HTTP    *http.Client
}

func NewAPI(baseURL string) *API {
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (a *API) PublishPost(ctx context.Context, driverID string, pl rideposts.Payload) (rideposts.Snapshot, error) {
	body := struct {
		DriverID string `json:"driverId"`
		rideposts.Payload
	}{driverID, pl}
	var snap rideposts.Snapshot
	err := a.call(ctx, http.MethodPost, "/api/v1/posts", body, &snap)
	return snap, err
}

func (a *API) RequestRide(ctx context.Context, p booking.RideParams) (booking.RideResult, error) {
	var res booking.RideResult
	err := a.call(ctx, http.MethodPost, "/api/v1/requests", p, &res)
	return res, err
}

func (a *API) CancelRequest(ctx context.Context, requestID string) error {
	return a.call(ctx, http.MethodPost, "/api/v1/requests/"+url.PathEscape(requestID)+"/cancel", nil, nil)
}

func (a *API) CancelBooking(ctx context.Context, bookingID string) error {
	return a.call(ctx, http.MethodPost, "/api/v1/bookings/"+url.PathEscape(bookingID)+"/cancel", nil, nil)
}

// OpenRides lists the open offers of campus as client snapshots.
func (a *API) OpenRides(ctx context.Context, campus string) ([]rideposts.Snapshot, error) {
	var posts []models.RidePost
	path := "/api/v1/rides/open?destinationCampus=" + url.QueryEscape(campus)
	if err := a.call(ctx, http.MethodGet, path, nil, &posts); err != nil {
		return nil, err
	}
	out := make([]rideposts.Snapshot, len(posts))
	for i, p := range posts {
		out[i] = rideposts.SnapshotOf(p)
	}
	return out, nil
}

func (a *API) call(ctx context.Context, method, path string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	hc := a.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return errs.Unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
	if body.Code == "VALIDATION" {
		return &errs.ValidationError{Field: body.Field, Reason: body.Message}
	}
	if e, ok := errs.FromCode(body.Code); ok {
		return e
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return errs.Unavailable(fmt.Errorf("status %d", resp.StatusCode))
	}
	return fmt.Errorf("api: status %d: %s", resp.StatusCode, body.Message)
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/storage"
)

// ErrorBody is the JSON shape of every failed API call.
type ErrorBody struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

var statusByCode = map[string]int{
	errs.ErrPostNotFound.Code:      http.StatusNotFound,
	errs.ErrRequestNotFound.Code:   http.StatusNotFound,
	errs.ErrBookingNotFound.Code:   http.StatusNotFound,
	errs.ErrPostClosed.Code:        http.StatusConflict,
	errs.ErrNoSeats.Code:           http.StatusConflict,
	errs.ErrTimeWindowPast.Code:    http.StatusConflict,
	errs.ErrOutOfRadius.Code:       http.StatusConflict,
	errs.ErrInvalidTransition.Code: http.StatusConflict,
	errs.ErrThrottled.Code:         http.StatusTooManyRequests,
	errs.ErrUnavailable.Code:       http.StatusServiceUnavailable,
	"VALIDATION":                   http.StatusBadRequest,
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := ErrorBody{Code: errs.Code(err), Message: err.Error()}
	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
		body.Message = ve.Reason
	}
	status, ok := statusByCode[body.Code]
	switch {
	case ok:
	case errors.Is(err, storage.ErrNotFound):
		status, body.Code = http.StatusNotFound, "NOT_FOUND"
	default:
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
		status, body.Code, body.Message = http.StatusInternalServerError, "INTERNAL", "internal error"
	}
	writeJSON(w, status, body)
}

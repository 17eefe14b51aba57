package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-rideshare/internal/booking"
	"github.com/example/campus-rideshare/internal/dispatch"
	"github.com/example/campus-rideshare/internal/errs"
	"github.com/example/campus-rideshare/internal/geo"
	"github.com/example/campus-rideshare/internal/matcher"
	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/rideposts"
	"github.com/example/campus-rideshare/internal/search"
	"github.com/example/campus-rideshare/internal/storage"
)

// Deps are the services the API exposes.
type Deps struct {
	Store   storage.Store
	Posts   *rideposts.Service
	Engine  *booking.Engine
	Matcher *matcher.Service
	Search  *search.Paginator
	WSReg   *dispatch.WSRegistry
	// Ready reports whether backing services are reachable.
	Ready func(ctx context.Context) error
	Now   func() time.Time
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/posts", s.handlePublishPost).Methods(http.MethodPost)
	api.HandleFunc("/posts/{id}", s.handleGetPost).Methods(http.MethodGet)
	api.HandleFunc("/posts/{id}/cancel", s.postAction(func(ctx context.Context, id string) error {
		return s.Engine.CancelRidePostWithNotify(ctx, id)
	})).Methods(http.MethodPost)
	api.HandleFunc("/posts/{id}/start", s.postAction(func(ctx context.Context, id string) error {
		return s.Engine.StartTrip(ctx, id)
	})).Methods(http.MethodPost)
	api.HandleFunc("/posts/{id}/expire", s.postAction(func(ctx context.Context, id string) error {
		return s.Engine.ExpirePostIfNeeded(ctx, id, s.Now())
	})).Methods(http.MethodPost)

	api.HandleFunc("/requests", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/decline", s.postAction(s.Engine.DeclineRequest)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", s.postAction(s.Engine.CancelRequest)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/expire", s.postAction(func(ctx context.Context, id string) error {
		return s.Engine.ExpireRequestIfNeeded(ctx, id, s.Now())
	})).Methods(http.MethodPost)

	api.HandleFunc("/bookings/{id}/cancel", s.postAction(s.Engine.CancelBooking)).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/complete", s.postAction(s.Engine.CompleteBooking)).Methods(http.MethodPost)

	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/rides/open", s.handleOpenRides).Methods(http.MethodGet)

	api.HandleFunc("/matches/{rider_id}", s.handleGetMatches).Methods(http.MethodGet)
	api.HandleFunc("/matches/{rider_id}/recompute", s.handleRecompute).Methods(http.MethodPost)
	api.HandleFunc("/matches/{rider_id}/sweep", s.handleSweep).Methods(http.MethodPost)

	api.HandleFunc("/users/{id}", s.handlePutUser).Methods(http.MethodPut)

	s.mux.HandleFunc("/ws/feed", s.handleFeedWS)
	s.mux.HandleFunc("/ws/posts/{id}", s.handlePostWS)
	s.mux.HandleFunc("/ws/users/{id}", s.handleUserWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type publishRequest struct {
	DriverID string `json:"driverId"`
	rideposts.Payload
}

func (s *Server) handlePublishPost(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.DriverID == "" {
		s.writeError(w, r, errs.Invalid("driverId", "is required"))
		return
	}
	snap, err := s.Posts.Publish(r.Context(), req.DriverID, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	p, err := storage.Load[models.RidePost](r.Context(), s.Store, storage.Posts, mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		err = errs.ErrPostNotFound
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rideposts.SnapshotOf(p))
}

// postAction adapts an id-only operation. Success is 204.
func (s *Server) postAction(fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), mux.Vars(r)["id"]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var p booking.RideParams
	if !s.decode(w, r, &p) {
		return
	}
	res, err := s.Engine.RequestRide(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, err := s.Engine.AcceptRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"bookingId": id})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := search.Params{
		RiderID:           q.Get("riderId"),
		DestinationCampus: q.Get("destinationCampus"),
	}
	var perr error
	p.Pickup.Lat = floatParam(q.Get("lat"), "lat", &perr)
	p.Pickup.Lng = floatParam(q.Get("lng"), "lng", &perr)
	p.RadiusMeters = floatParam(q.Get("radiusMeters"), "radiusMeters", &perr)
	if v := q.Get("limit"); v != "" {
		p.Limit = int(floatParam(v, "limit", &perr))
	}
	if v := q.Get("cursorWindowStartMs"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil && perr == nil {
			perr = errs.Invalid("cursorWindowStartMs", "must be an integer")
		}
		p.Cursor = &search.Cursor{WindowStartMs: ms, LastID: q.Get("cursorLastId")}
	}
	if perr == nil && !geo.ValidLatLng(p.Pickup.Lat, p.Pickup.Lng) {
		perr = errs.Invalid("pickup", "coordinates out of bounds")
	}
	if perr == nil {
		perr = rideposts.Validate(p)
	}
	if perr != nil {
		s.writeError(w, r, perr)
		return
	}
	page, err := s.Search.Search(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleOpenRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var perr error
	var minRating float64
	if v := q.Get("minDriverRating"); v != "" {
		minRating = floatParam(v, "minDriverRating", &perr)
	}
	if perr != nil {
		s.writeError(w, r, perr)
		return
	}
	rides, err := search.OpenRides(r.Context(), s.Store, q.Get("destinationCampus"), minRating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleGetMatches(w http.ResponseWriter, r *http.Request) {
	list, err := s.Matcher.Get(r.Context(), mux.Vars(r)["rider_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleRecompute takes optional filters; an empty body uses the rider's
// saved preferences.
func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	var f *matcher.Filters
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, r, errs.Invalid("", err.Error()))
		return
	}
	if len(body) > 0 {
		f = &matcher.Filters{}
		if err := json.Unmarshal(body, f); err != nil {
			s.writeError(w, r, errs.Invalid("", "malformed JSON body"))
			return
		}
	}
	list, err := s.Matcher.Recompute(r.Context(), mux.Vars(r)["rider_id"], f, s.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	list, err := s.Matcher.Sweep(r.Context(), mux.Vars(r)["rider_id"], s.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handlePutUser(w http.ResponseWriter, r *http.Request) {
	var u models.UserProfile
	if !s.decode(w, r, &u) {
		return
	}
	u.ID = mux.Vars(r)["id"]
	if u.Stats.NoShows7d < 0 {
		s.writeError(w, r, errs.Invalid("stats.noShows7d", "must be non-negative"))
		return
	}
	if err := s.Store.Set(r.Context(), storage.Users, u.ID, u); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	if s.Ready != nil {
		if err := s.Ready(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, errs.Invalid("", "malformed JSON body"))
		return false
	}
	return true
}

func floatParam(v, name string, perr *error) float64 {
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil && *perr == nil {
		*perr = errs.Invalid(name, "must be a number")
	}
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package client

import (
	"context"
	"errors"
	"sync"

	"github.com/example/campus-rideshare/internal/booking"
	"github.com/example/campus-rideshare/internal/errs"
)

type RiderStatus string

const (
	RiderIdle       RiderStatus = "idle"
	RiderQueued     RiderStatus = "queued"
	RiderProcessing RiderStatus = "processing"
	RiderError      RiderStatus = "error"
)

type RiderState struct {
	Status       RiderStatus
	PendingCount int
	Error        string
}

// RiderAPI is the subset of the API a rider acts through.
type RiderAPI interface {
	RequestRide(ctx context.Context, p booking.RideParams) (booking.RideResult, error)
	CancelRequest(ctx context.Context, requestID string) error
	CancelBooking(ctx context.Context, bookingID string) error
}

type actionKind string

const (
	actionRequest       actionKind = "request"
	actionCancelRequest actionKind = "cancelRequest"
	actionCancelBooking actionKind = "cancelBooking"
)

type riderAction struct {
	kind   actionKind
	params booking.RideParams
	id     string
}

type riderEventKind int

const (
	riderStarted riderEventKind = iota
	riderSucceeded
	riderQueued
	riderFailed
)

type riderEvent struct {
	kind    riderEventKind
	err     string
	pending int
}

// transitionRider is the rider action state machine.
func transitionRider(s RiderState, ev riderEvent) RiderState {
	s.PendingCount = ev.pending
	switch ev.kind {
	case riderStarted:
		s.Status, s.Error = RiderProcessing, ""
	case riderSucceeded:
		s.Status = RiderIdle
		if ev.pending > 0 {
			s.Status = RiderQueued
		}
	case riderQueued:
		s.Status, s.Error = RiderQueued, ""
	case riderFailed:
		s.Status, s.Error = RiderError, ev.err
	}
	return s
}

// RiderActionsController runs ride requests and cancellations. Actions
// that fail for lack of connectivity are queued in FIFO order.
type RiderActionsController struct {
	api RiderAPI

	mu        sync.Mutex
	state     RiderState
	queue     []riderAction
	listeners listeners[RiderState]
}

func NewRiderActionsController(api RiderAPI) *RiderActionsController {
	return &RiderActionsController{api: api, state: RiderState{Status: RiderIdle}}
}

func (c *RiderActionsController) State() RiderState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *RiderActionsController) Subscribe(fn func(RiderState)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.listeners.add(fn)
	st := c.state
	c.mu.Unlock()
	fn(st)
	return func() {
		c.mu.Lock()
		c.listeners.remove(id)
		c.mu.Unlock()
	}
}

func (c *RiderActionsController) RequestRide(ctx context.Context, p booking.RideParams) {
	c.run(ctx, riderAction{kind: actionRequest, params: p}, false)
}

func (c *RiderActionsController) CancelRequest(ctx context.Context, requestID string) {
	c.run(ctx, riderAction{kind: actionCancelRequest, id: requestID}, false)
}

func (c *RiderActionsController) CancelBooking(ctx context.Context, bookingID string) {
	c.run(ctx, riderAction{kind: actionCancelBooking, id: bookingID}, false)
}

// RetryPending replays the oldest queued action. A renewed connectivity
// failure puts it back at the front.
func (c *RiderActionsController) RetryPending(ctx context.Context) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()
	c.run(ctx, next, true)
}

func (c *RiderActionsController) run(ctx context.Context, a riderAction, retry bool) {
	c.apply(riderEvent{kind: riderStarted})

	err := c.exec(ctx, a)
	switch {
	case err == nil:
		c.apply(riderEvent{kind: riderSucceeded})
	case errs.IsRetryable(err):
		c.mu.Lock()
		if retry {
			c.queue = append([]riderAction{a}, c.queue...)
		} else {
			c.queue = append(c.queue, a)
		}
		st, fns := c.applyLocked(riderEvent{kind: riderQueued})
		c.mu.Unlock()
		notify(fns, st)
	default:
		c.apply(riderEvent{kind: riderFailed, err: riderErrorMessage(err)})
	}
}

func (c *RiderActionsController) exec(ctx context.Context, a riderAction) error {
	switch a.kind {
	case actionRequest:
		_, err := c.api.RequestRide(ctx, a.params)
		return err
	case actionCancelRequest:
		return c.api.CancelRequest(ctx, a.id)
	case actionCancelBooking:
		return c.api.CancelBooking(ctx, a.id)
	}
	return nil
}

func (c *RiderActionsController) apply(ev riderEvent) {
	c.mu.Lock()
	st, fns := c.applyLocked(ev)
	c.mu.Unlock()
	notify(fns, st)
}

func (c *RiderActionsController) applyLocked(ev riderEvent) (RiderState, []func(RiderState)) {
	ev.pending = len(c.queue)
	c.state = transitionRider(c.state, ev)
	return c.state, c.listeners.snapshot()
}

func riderErrorMessage(err error) string {
	if errors.Is(err, errs.ErrOutOfRadius) {
		return "You're outside the ride zone"
	}
	if code := errs.Code(err); code != "" && code != "VALIDATION" {
		return code
	}
	return err.Error()
}

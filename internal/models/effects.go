package models

import "time"

type EffectKind string

const (
	EffectNotification EffectKind = "notification"
	EffectChatThread   EffectKind = "chat_thread"
)

type EffectState string

const (
	EffectPending    EffectState = "pending"
	EffectDispatched EffectState = "dispatched"
	// EffectFailed is terminal: the effect ran out of delivery attempts.
	EffectFailed EffectState = "failed"
)

// Notification types written by booking transitions.
const (
	NotifyRequestCreated       = "request_created"
	NotifyBookingConfirmed     = "booking_confirmed"
	NotifyRiderCanceledRequest = "rider_canceled_request"
	NotifyRiderCanceledBooking = "rider_canceled_booking"
	NotifyRequestExpired       = "request_expired"
	NotifyPostCanceled         = "post_canceled"
)

// Effect is an outbox entry. It is written in the same transaction as the
// state change that caused it and materialized later by the dispatcher.
type Effect struct {
	ID           string            `json:"id"`
	Kind         EffectKind        `json:"kind"`
	State        EffectState       `json:"state"`
	UserID       string            `json:"userId,omitempty"`
	Type         string            `json:"type,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	BookingID    string            `json:"bookingId,omitempty"`
	Participants []string          `json:"participants,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	DispatchedAt *time.Time        `json:"dispatchedAt,omitempty"`

	// NextAttemptAt orders the pending queue. It starts at CreatedAt and is
	// pushed back after each failed delivery.
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	Attempts      int       `json:"attempts,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Type      string            `json:"type"`
	Data      map[string]string `json:"data"`
	CreatedAt time.Time         `json:"createdAt"`
}

type ChatThread struct {
	BookingID    string    `json:"bookingId"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

// WSSession is one connected user.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds the latest session of every connected user.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for userID, replacing any older session.
func (r *WSRegistry) Add(userID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[userID]; !ok {
		observability.WSSessions.Inc()
	}
	r.sessions[userID] = s
	return s
}

// Remove drops s if it is still the registered session for userID.
func (r *WSRegistry) Remove(userID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[userID]; ok && cur == s {
		delete(r.sessions, userID)
		observability.WSSessions.Dec()
	}
}

// Send pushes v to userID's session.
func (r *WSRegistry) Send(userID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		slog.Warn("ws send error", "user_id", userID, "err", err)
		r.Remove(userID, s)
		_ = s.conn.Close()
		return err
	}
	return nil
}

// Deliver pushes ef to every connected recipient. Recipients without a
// working session read the materialized document later.
func (r *WSRegistry) Deliver(ctx context.Context, ef models.Effect) error {
	for _, uid := range Recipients(ef) {
		_ = r.Send(uid, ef)
	}
	return nil
}

package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/campus-rideshare/internal/models"
	"github.com/example/campus-rideshare/internal/observability"
	"github.com/example/campus-rideshare/internal/rideposts"
	"github.com/example/campus-rideshare/internal/storage"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleFeedWS streams the open offers of ?campus= as they change.
func (s *Server) handleFeedWS(w http.ResponseWriter, r *http.Request) {
	s.streamPosts(w, r, rideposts.FeedQuery(r.URL.Query().Get("campus")))
}

// handlePostWS streams one offer. A frame with no items means the offer is
// gone.
func (s *Server) handlePostWS(w http.ResponseWriter, r *http.Request) {
	s.streamPosts(w, r, rideposts.PostQuery(mux.Vars(r)["id"]))
}

func (s *Server) streamPosts(w http.ResponseWriter, r *http.Request, q storage.Query) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	observability.WSSessions.Inc()
	defer observability.WSSessions.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go drainReads(conn, cancel)

	snaps, errc := storage.Watch[models.RidePost](ctx, s.Store, q)
	for {
		var frame rideposts.Frame
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			frame = rideposts.Frame{Error: err.Error()}
		case posts, ok := <-snaps:
			if !ok {
				return
			}
			frame = rideposts.FrameOf(posts)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

// handleUserWS registers the caller for pushed notifications until the
// socket closes.
func (s *Server) handleUserWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	sess := s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, sess)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// drainReads consumes control frames and cancels once the peer goes away.
func drainReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

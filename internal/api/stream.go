package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"cmdgate/internal/domain"
	"cmdgate/internal/events"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamPongWait   = streamPingPeriod + 10*time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// eventMessage is the JSON frame sent for each gateway event.
type eventMessage struct {
	Type    string         `json:"type"`
	Source  string         `json:"source,omitempty"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

func toMessage(ev events.Event) eventMessage {
	return eventMessage{Type: ev.Type, Source: ev.Source, Time: ev.Timestamp.UTC(), Payload: ev.Payload}
}

// handleEvents streams gateway events to an admin over a WebSocket. With
// ?since=<RFC3339>, buffered history from that time is sent first. A client
// that cannot keep up loses events rather than slowing the gateway.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	if !u.IsAdmin() {
		s.writeError(w, r, domain.ErrForbidden)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: since must be an RFC3339 time", errBadRequest))
			return
		}
		since = t
	}

	// Subscribe before the handshake completes so the client sees every
	// event emitted after its dial returns.
	ch := make(chan events.Event, streamBuffer)
	id := s.cfg.Events.On("*", func(ev events.Event) {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("event stream client lagging, event dropped", "user_id", u.ID, "event", ev.Type)
		}
	})
	defer s.cfg.Events.Off("*", id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.logger.Info("event stream opened", "user_id", u.ID)

	// The read loop only exists to notice the client going away.
	done := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !since.IsZero() {
		for _, ev := range s.cfg.Events.Replay("*", since) {
			if err := s.writeFrame(conn, toMessage(ev)); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			s.logger.Info("event stream closed", "user_id", u.ID)
			return
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := s.writeFrame(conn, toMessage(ev)); err != nil {
				s.logger.Debug("event stream write failed", "user_id", u.ID, "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, msg eventMessage) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(msg)
}

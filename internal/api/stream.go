package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"calsync/internal/syncer"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API listens on loopback for a local UI.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TransitionMessage is one sync state change as sent over the stream.
type TransitionMessage struct {
	Type      string    `json:"type"`
	AccountID string    `json:"accountId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// handleStream upgrades to a websocket and forwards every sync state
// transition until the client goes away. Transitions are dropped for a
// client that cannot keep up.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := make(chan syncer.Transition, streamBuffer)
	unsubscribe := s.engine.Subscribe(func(tr syncer.Transition) {
		select {
		case events <- tr:
		default:
			s.logger.Debug("Dropping transition for slow stream client", "account", tr.AccountID, "to", tr.To)
		}
	})
	defer unsubscribe()

	// Reads only detect the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case tr := <-events:
			msg := TransitionMessage{
				Type:      "transition",
				AccountID: tr.AccountID,
				From:      string(tr.From),
				To:        string(tr.To),
				At:        tr.At,
			}
			if tr.Err != nil {
				msg.Error = tr.Err.Error()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("Failed to encode transition", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

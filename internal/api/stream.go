package api

import (
	"net/http"
	"time"

	"geotracker/internal/models"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// wsMessage is the wire shape of stream frames. Exactly one of the payload
// fields is set, matching Type.
type wsMessage struct {
	Type     string              `json:"type"`
	Trackers []models.LiveDevice `json:"trackers,omitempty"`
	Tracker  *models.Position    `json:"tracker,omitempty"`
	ID       string              `json:"id,omitempty"`
}

// handleWebSocket serves the live event stream: the full roster snapshot on
// connect, then every update/removal as it happens. A viewer that cannot
// keep up silently loses events; it never slows ingestion or other viewers.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.svc.Subscribe()
	defer s.svc.Unsubscribe(sub)

	snapshot := s.svc.Snapshot(time.Now())
	if snapshot == nil {
		snapshot = []models.LiveDevice{}
	}
	if err := writeMessage(conn, wsMessage{Type: "snapshot", Trackers: snapshot}); err != nil {
		return
	}

	// Reader only watches for the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeMessage(conn, eventMessage(event)); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func eventMessage(event models.Event) wsMessage {
	switch event.Type {
	case models.EventRemoved:
		return wsMessage{Type: "remove", ID: event.DeviceID}
	default:
		return wsMessage{Type: "update", Tracker: event.Position}
	}
}

func writeMessage(conn *websocket.Conn, msg wsMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, body)
}

package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sre-sentinel/sentinel/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	// wsQueueSize bounds the per-client event backlog; the bus drops the
	// oldest entries for clients that fall behind.
	wsQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from arbitrary origins on a LAN.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsEnvelope is the wire format for one streamed event: the payload's own
// fields at the top level, with type, seq, and timestamp riding alongside.
func wsEnvelope(evt events.Event) map[string]any {
	flat := map[string]any{}
	if raw, err := json.Marshal(evt.Payload); err == nil {
		_ = json.Unmarshal(raw, &flat)
	}
	flat["type"] = string(evt.Topic)
	flat["seq"] = evt.Seq
	flat["timestamp"] = evt.Timestamp
	return flat
}

// wsBootstrap is the first frame on every connection: the full current state
// so the client needs no separate REST round-trip.
type wsBootstrap struct {
	Type       string `json:"type"`
	Containers any    `json:"containers"`
	Incidents  any    `json:"incidents"`
}

// handleWS upgrades the connection and streams bus events to the client,
// starting with a state bootstrap. Topics can be narrowed with repeated
// ?topic= query parameters.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var topics []events.Topic
	for _, t := range r.URL.Query()["topic"] {
		topics = append(topics, events.Topic(t))
	}

	// Subscribe before snapshotting, so no event between the two is lost.
	ch, cancel := s.deps.EventBus.Subscribe(topics, wsQueueSize)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	bootstrap := wsBootstrap{
		Type:       "bootstrap",
		Containers: s.deps.Containers.Snapshot(),
		Incidents:  s.deps.Incidents.List(),
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(bootstrap); err != nil {
		return
	}

	// Reader goroutine: we never expect client frames, but reading is what
	// surfaces close frames and connection drops.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsEnvelope(evt)); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeweave/loopengine/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// BroadcastMessage is the wire frame pushed to stream clients.
type BroadcastMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type streamEvent struct {
	TenantID     string      `json:"tenant_id"`
	GraphVersion uint64      `json:"graph_version,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	Payload      interface{} `json:"payload,omitempty"`
}

func streamFrame(evt eventbus.Event) ([]byte, error) {
	return json.Marshal(BroadcastMessage{
		Type: evt.Type,
		Payload: streamEvent{
			TenantID:     evt.TenantID,
			GraphVersion: evt.Version,
			Timestamp:    evt.Timestamp,
			Payload:      evt.Payload,
		},
	})
}

// handleStream streams the authenticated tenant's events. Optional topic
// query parameters narrow delivery; slow readers lose events rather than
// stall the service.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	topics := r.URL.Query()["topic"]

	sub, err := s.svc.Subscribe(tenantID, topics...)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		log.Println("WebSocket upgrade error:", err)
		return
	}
	defer conn.Close()
	defer sub.Close()
	log.Printf("[api] stream %s connected (tenant %s)", sub.ID, tenantID)
	defer log.Printf("[api] stream %s closed", sub.ID)

	// The read loop exists to notice the peer going away; inbound frames
	// are discarded.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case evt := <-sub.C:
			frame, err := streamFrame(evt)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// handleStatusStream pushes the operator status payload every few seconds.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Status WebSocket upgrade error:", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		if err := conn.WriteMessage(websocket.TextMessage, s.statusPayload()); err != nil {
			return
		}
		<-ticker.C
	}
}

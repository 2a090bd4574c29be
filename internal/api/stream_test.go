package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeweave/loopengine/internal/models"
)

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestStatusStreamPushes(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/status"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var status map[string]interface{}
	if err := json.Unmarshal(frame, &status); err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	if status["status"] != "ok" {
		t.Fatalf("status frame = %v", status)
	}
}

func TestStreamDeliversTenantEvents(t *testing.T) {
	srv, svc, _ := newTestServer(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	t.Cleanup(cancel)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(ts, "/v1/stream?api_key="+testAPIKey+"&topic=graph.changed"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := svc.SubmitInventory(context.Background(), "t1", "w-a", []models.ItemRef{{ID: "x"}}, false); err != nil {
		t.Fatalf("inventory: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg BroadcastMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	if msg.Type != models.TopicGraphChanged {
		t.Fatalf("frame type = %q", msg.Type)
	}
	payload, ok := msg.Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("payload type = %T", msg.Payload)
	}
	if payload["tenant_id"] != "t1" {
		t.Fatalf("payload tenant = %v", payload["tenant_id"])
	}
	if payload["graph_version"] != float64(1) {
		t.Fatalf("graph_version = %v", payload["graph_version"])
	}
}

func TestStreamRejectsBadCredentials(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/stream?api_key=wrong"), nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("handshake response = %v", resp)
	}
}

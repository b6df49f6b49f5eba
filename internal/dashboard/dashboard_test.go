package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{
		Port:   0, // random available port
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("Failed to stop server: %v", err)
		}
	})
	return server
}

func TestServerStartStop(t *testing.T) {
	server := newTestServer(t)
	if server.Addr() == "" {
		t.Fatal("Server address is empty")
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	server := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the server to register the client before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 client, got %d", server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	server.Broadcast(MessageTypeQueueDepth, QueueDepthData{Pending: 3})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read broadcast: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeQueueDepth {
		t.Errorf("Expected queue_depth message, got %s", msg.Type)
	}

	var depth QueueDepthData
	if err := json.Unmarshal(msg.Data, &depth); err != nil {
		t.Fatalf("Failed to unmarshal data: %v", err)
	}
	if depth.Pending != 3 {
		t.Errorf("Expected 3 pending, got %d", depth.Pending)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected ok status, got %v", body["status"])
	}
}

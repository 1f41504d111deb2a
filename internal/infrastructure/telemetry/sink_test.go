package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/infrastructure/eventbus"
)

func startCollector(t *testing.T) (url string, received chan []byte, closeFn func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	received = make(chan []byte, 10)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- msg
		}
	}))

	url = "ws" + strings.TrimPrefix(server.URL, "http") + "/telemetry"
	return url, received, server.Close
}

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return logger
}

func TestSink_ForwardsSubscribedEventsToCollector(t *testing.T) {
	url, received, closeServer := startCollector(t)
	defer closeServer()

	bus := eventbus.NewInMemoryBus(testLogger(t), 10)
	defer bus.Close()

	sink := NewSink(url, testLogger(t))
	defer sink.Close()
	sink.Subscribe(bus, "create_agent_step")

	bus.Publish(context.Background(), eventbus.NewEvent("create_agent_step", map[string]string{"run_id": "run-1"}))

	select {
	case msg := <-received:
		var decoded wireEvent
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("unmarshal forwarded message: %v", err)
		}
		if decoded.Type != "create_agent_step" {
			t.Fatalf("expected type create_agent_step, got %q", decoded.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event to reach the collector")
	}
}

func TestSink_IgnoresEventTypesNotSubscribedTo(t *testing.T) {
	url, received, closeServer := startCollector(t)
	defer closeServer()

	bus := eventbus.NewInMemoryBus(testLogger(t), 10)
	defer bus.Close()

	sink := NewSink(url, testLogger(t))
	defer sink.Close()
	sink.Subscribe(bus, "create_agent_step")

	bus.Publish(context.Background(), eventbus.NewEvent("update_agent_task", nil))

	select {
	case msg := <-received:
		t.Fatalf("did not expect a forwarded message, got %s", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

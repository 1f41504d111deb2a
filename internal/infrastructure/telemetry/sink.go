// Package telemetry is the optional external collaborator spec.md §6
// mentions: a best-effort step-event streaming sink. The run controller
// never talks to it directly — it only publishes to the event bus
// (internal/infrastructure/eventbus); this package subscribes like any
// other listener and forwards what it sees to a remote collector over a
// websocket connection. A send failure never affects the run: Sink logs
// and drops the event rather than retrying or blocking the publisher.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/infrastructure/eventbus"
)

// wireEvent is what gets marshaled and sent to the collector per
// forwarded event.
type wireEvent struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Sink streams event-bus events to a remote collector over a websocket
// connection, best effort. The connection is dialed lazily on first use
// and redialed on the next send after a failure rather than surfacing the
// error to the caller.
type Sink struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSink builds a Sink targeting a collector at url (e.g.
// "ws://localhost:9000/telemetry"). No connection is made until the
// first event is forwarded.
func NewSink(url string, logger *zap.Logger) *Sink {
	return &Sink{url: url, logger: logger}
}

// Subscribe registers the sink on bus for every eventType given,
// forwarding each received event to the collector. Typical callers pass
// the service package's EventTypeCreateAgentSession/Task/Step/
// UpdateAgentTask constants.
func (s *Sink) Subscribe(bus eventbus.Bus, eventTypes ...string) {
	for _, t := range eventTypes {
		bus.Subscribe(t, s.forward)
	}
}

func (s *Sink) forward(ctx context.Context, ev eventbus.Event) {
	payload, err := json.Marshal(wireEvent{
		Type:      ev.Type(),
		Timestamp: ev.Timestamp().UnixMilli(),
		Payload:   ev.Payload(),
	})
	if err != nil {
		s.logger.Warn("telemetry: marshal event failed", zap.String("type", ev.Type()), zap.Error(err))
		return
	}
	if err := s.send(ctx, payload); err != nil {
		s.logger.Debug("telemetry: forward event failed, dropping", zap.String("type", ev.Type()), zap.Error(err))
	}
}

func (s *Sink) send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.connLocked(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.conn = nil
		return err
	}
	return nil
}

func (s *Sink) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

// Close shuts down the underlying connection, if one was opened.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Package ws implements the WebSocket event stream. Clients subscribe to
// committed workflow changes (config saves, request creation, transitions)
// and receive them as protocol envelopes. Per connection, the versions seen
// for a request (and for the config) only increase: an event that reaches
// the hub after a newer one for the same record is discarded.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/grcflow/internal/config"
	"github.com/jkaninda/grcflow/internal/observability"
	"github.com/jkaninda/grcflow/internal/protocol"
	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/workflow"
)

const writeTimeout = 5 * time.Second

// Server fans committed workflow events out to WebSocket subscribers.
// It implements workflow.EventSink.
type Server struct {
	cfg     *config.EventsGatewayConfig
	auth    *security.Authenticator
	rbac    *security.RBAC
	metrics *observability.MetricsCollector
	logger  *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	conns       map[string]*websocket.Conn
}

// NewServer creates an event stream server.
func NewServer(cfg *config.EventsGatewayConfig, auth *security.Authenticator, rbac *security.RBAC, logger *slog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		auth:        auth,
		rbac:        rbac,
		logger:      logger,
		subscribers: make(map[string]*subscriber),
		conns:       make(map[string]*websocket.Conn),
	}
}

// WithMetrics attaches subscriber and drop metrics.
func (s *Server) WithMetrics(m *observability.MetricsCollector) *Server {
	s.metrics = m
	return s
}

// Path returns the mount path of the stream.
func (s *Server) Path() string {
	return s.cfg.WSPath()
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// ConnectedCount returns the number of live subscribers.
func (s *Server) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// HandleEvent implements workflow.EventSink. Delivery never blocks the
// caller: a subscriber whose queue is full loses the event.
func (s *Server) HandleEvent(ctx context.Context, ev workflow.Event) error {
	env, err := protocol.FromEvent(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", ev.Type, err)
	}

	key, version := eventVersion(ev)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		if !sub.wants(env.RequestID) {
			continue
		}
		switch sub.offer(key, version, data) {
		case offerStale:
			s.logger.DebugContext(ctx, "stale event discarded",
				slog.String("subscriber", sub.id),
				slog.String("event", string(ev.Type)),
				slog.Int64("version", version),
			)
		case offerFull:
			if s.metrics != nil {
				s.metrics.EventsDroppedTotal.Inc()
			}
			s.logger.WarnContext(ctx, "event dropped for slow subscriber",
				slog.String("subscriber", sub.id),
				slog.String("user_id", sub.principal.UserID),
				slog.String("event", string(ev.Type)),
			)
		}
	}
	return nil
}

// eventVersion returns the ordering key and version of ev: the request ID
// and request version for request events, the config version otherwise.
func eventVersion(ev workflow.Event) (string, int64) {
	if ev.Request != nil {
		return ev.Request.RequestID, ev.Request.Version
	}
	if ev.Config != nil {
		return configKey, ev.Config.Version
	}
	return configKey, 0
}

// Close disconnects every subscriber.
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on the upgrade, so ?token= is accepted too.
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	principal, err := s.auth.Authenticate(token)
	if err != nil {
		s.logger.Warn("event stream authentication failed", slog.String("error", err.Error()))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	principal.Role = s.rbac.ResolveRole(principal)
	if err := s.rbac.Authorize(r.Context(), principal, security.PermRequestRead); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	sub := newSubscriber(uuid.New().String(), principal, s.cfg.Buffer(), r.URL.Query()["request_id"])
	s.handleConnection(r.Context(), conn, sub)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, sub *subscriber) {
	ctx, cancel := context.WithCancel(ctx)
	s.add(sub, conn)
	defer func() {
		cancel()
		s.remove(sub.id)
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	s.logger.Info("event subscriber connected",
		slog.String("subscriber", sub.id),
		slog.String("user_id", sub.principal.UserID),
	)

	if err := s.sendHello(ctx, conn, sub); err != nil {
		s.logger.Debug("hello failed", slog.String("error", err.Error()))
		return
	}

	go s.writeLoop(ctx, cancel, conn, sub)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				s.logger.Info("event subscriber disconnected", slog.String("subscriber", sub.id))
			} else {
				s.logger.Warn("event subscriber connection error",
					slog.String("subscriber", sub.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(ctx, conn, "INVALID_REQUEST", "malformed envelope")
			continue
		}
		s.handleMessage(ctx, conn, sub, &env)
	}
}

func (s *Server) handleMessage(ctx context.Context, conn *websocket.Conn, sub *subscriber, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgSubscribe:
		var p protocol.SubscribePayload
		if err := env.Decode(&p); err != nil {
			s.sendError(ctx, conn, "INVALID_REQUEST", "malformed subscribe payload")
			return
		}
		sub.setFilter(p.RequestIDs)
		// The refreshed hello acknowledges the new filter.
		if err := s.sendHello(ctx, conn, sub); err != nil {
			s.logger.Debug("subscribe ack failed", slog.String("error", err.Error()))
		}

	case protocol.MsgPong:

	default:
		s.sendError(ctx, conn, "UNKNOWN_ACTION", fmt.Sprintf("unsupported message type %q", env.Type))
	}
}

// writeLoop drains the subscriber queue and sends heartbeats. Any write
// failure tears the connection down.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *subscriber) {
	defer cancel()
	ticker := time.NewTicker(s.cfg.WSHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sub.queue:
			if err := s.write(ctx, conn, data); err != nil {
				s.logger.Debug("event write failed",
					slog.String("subscriber", sub.id),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			if err := s.writeEnvelope(ctx, conn, env); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("subscriber", sub.id),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) sendHello(ctx context.Context, conn *websocket.Conn, sub *subscriber) error {
	env, err := protocol.NewEnvelope(protocol.MsgHello, protocol.HelloPayload{
		Principal:         sub.principal.UserID,
		Role:              sub.principal.Role,
		RequestIDs:        sub.filterList(),
		HeartbeatInterval: int(s.cfg.WSHeartbeatInterval() / time.Second),
	})
	if err != nil {
		return err
	}
	return s.writeEnvelope(ctx, conn, env)
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env, _ := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
	if err := s.writeEnvelope(ctx, conn, env); err != nil {
		s.logger.Debug("error reply failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.write(ctx, conn, data)
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) add(sub *subscriber, conn *websocket.Conn) {
	s.mu.Lock()
	s.subscribers[sub.id] = sub
	s.conns[sub.id] = conn
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.EventSubscribers.Inc()
	}
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	_, ok := s.subscribers[id]
	delete(s.subscribers, id)
	delete(s.conns, id)
	s.mu.Unlock()
	if ok && s.metrics != nil {
		s.metrics.EventSubscribers.Dec()
	}
}

var _ workflow.EventSink = (*Server)(nil)

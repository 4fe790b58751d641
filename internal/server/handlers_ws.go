package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/epiwatch/alertstream/internal/domain"
	"github.com/epiwatch/alertstream/internal/metrics"
	"github.com/epiwatch/alertstream/internal/protocol"
)

const (
	maxMessageSize = 4096
	sendTimeout    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // clients connect from mobile apps and dashboards, not browsers we control
	},
}

// handleWebSocket is the persistent connection endpoint: authenticate,
// register, replay the offline queue, then serve the read loop until the
// client goes away.
func (s *Server) handleWebSocket(c echo.Context) error {
	ctx := c.Request().Context()

	identity, err := s.auth.Validate(ctx, bearerToken(c))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication failed"})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // Upgrade already wrote the HTTP error
	}

	info, err := s.registry.Register(identity, domain.Filters{}, conn)
	if err != nil {
		s.rejectUpgraded(conn, identity, err)
		return nil
	}

	log := slog.With("connection_id", info.ID.String(), "user", identity.Key())
	log.Info("Client connected")

	readDeadline := 4 * s.config.PingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(s.clock.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(s.clock.Now().Add(readDeadline))
		_ = s.registry.TouchHealth(info.ID)
		return nil
	})

	if err := s.sendMessage(info.ID, protocol.ServerMessage{
		Kind:         protocol.KindConnectionEstablished,
		ConnectionID: info.ID.String(),
	}); err != nil {
		s.registry.Close(info.ID, "handshake send failed")
		return nil
	}

	s.replayOffline(ctx, info.ID, identity, log)

	s.readLoop(conn, info.ID, identity, readDeadline, log)
	return nil
}

// bearerToken pulls the token from the Authorization header or, for browser
// clients that cannot set headers on WebSocket dials, the query string.
func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return c.QueryParam("token")
}

// rejectUpgraded closes a just-upgraded connection that failed admission,
// telling the client why and when to retry.
func (s *Server) rejectUpgraded(conn *websocket.Conn, identity domain.Identity, cause error) {
	reason := "connection rejected"
	switch {
	case errors.Is(cause, domain.ErrBanned):
		reason = "banned"
	case errors.Is(cause, domain.ErrTooManyConnections):
		reason = "too many connections"
	}

	if warning, err := protocol.Encode(protocol.ServerMessage{
		Kind:              protocol.KindRateLimitWarning,
		RetryAfterSeconds: int(s.limiter.RetryAfter(identity.Key()).Seconds()) + 1,
	}); err == nil {
		_ = conn.SetWriteDeadline(s.clock.Now().Add(sendTimeout))
		_ = conn.WriteMessage(websocket.TextMessage, warning)
	}

	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.SetWriteDeadline(s.clock.Now().Add(sendTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)
	_ = conn.Close()

	slog.Info("Connection rejected", "user", identity.Key(), "reason", reason)
}

// replayOffline drains the user's offline queue and delivers it ahead of live
// traffic, preserving enqueue order.
func (s *Server) replayOffline(ctx context.Context, id domain.ConnectionID, identity domain.Identity, log *slog.Logger) {
	alerts, err := s.offline.Drain(ctx, identity.Key())
	if err != nil {
		log.Warn("Offline queue drain failed", "error", err)
		return
	}

	for i, alert := range alerts {
		payload, err := protocol.EncodeAlert(alert)
		if err != nil {
			log.Error("Failed to encode queued alert", "alert_id", alert.ID.String(), "error", err)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = s.registry.Send(sendCtx, id, payload)
		cancel()
		if err != nil {
			log.Warn("Replay interrupted, re-queuing remainder", "alert_id", alert.ID.String(), "error", err)
			for _, remaining := range alerts[i:] {
				if qerr := s.offline.Enqueue(ctx, identity.Key(), remaining); qerr != nil {
					log.Error("Failed to re-queue alert", "alert_id", remaining.ID.String(), "error", qerr)
				}
			}
			return
		}
		metrics.OfflineReplayed.Inc()
	}

	if len(alerts) > 0 {
		log.Info("Replayed offline alerts", "count", len(alerts))
	}
}

// readLoop consumes client frames until the connection dies. Malformed frames
// are dropped and logged; the connection stays open.
func (s *Server) readLoop(conn *websocket.Conn, id domain.ConnectionID, identity domain.Identity, readDeadline time.Duration, log *slog.Logger) {
	defer s.registry.Close(id, "client disconnected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(s.clock.Now().Add(readDeadline))

		if err := s.limiter.AllowMessage(identity.Key()); err != nil {
			if s.handleRateLimited(id, identity, err, log) {
				return
			}
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn("Dropping malformed message", "error", err)
			continue
		}

		s.handleClientMessage(id, msg, log)
	}
}

// handleRateLimited warns the client and reports whether the connection must
// be torn down (banned users are disconnected).
func (s *Server) handleRateLimited(id domain.ConnectionID, identity domain.Identity, cause error, log *slog.Logger) (closed bool) {
	retryAfter := int(s.limiter.RetryAfter(identity.Key()).Seconds()) + 1
	_ = s.sendMessage(id, protocol.ServerMessage{
		Kind:              protocol.KindRateLimitWarning,
		RetryAfterSeconds: retryAfter,
	})

	if errors.Is(cause, domain.ErrBanned) {
		log.Info("Disconnecting banned user", "retry_after_seconds", retryAfter)
		s.registry.Close(id, "banned")
		return true
	}
	return false
}

func (s *Server) handleClientMessage(id domain.ConnectionID, msg protocol.ClientMessage, log *slog.Logger) {
	switch msg.Kind {
	case protocol.KindSubscribe:
		s.index.Subscribe(id, msg.GroupKeys)
		s.respondSubscription(id, msg.GroupKeys, "subscribed")

	case protocol.KindUnsubscribe:
		s.index.Unsubscribe(id, msg.GroupKeys)
		s.respondSubscription(id, msg.GroupKeys, "unsubscribed")

	case protocol.KindUpdateFilters:
		if err := s.registry.UpdateFilters(id, *msg.Filters); err != nil {
			log.Warn("Filter update failed", "error", err)
			return
		}
		// Filter updates re-derive memberships wholesale: coarse groups
		// follow the exact filters.
		derived := msg.Filters.GroupKeys()
		s.index.Purge(id)
		s.index.Subscribe(id, derived)
		s.respondSubscription(id, derived, "filters_updated")

	case protocol.KindPong:
		if err := s.registry.TouchHealth(id); err != nil {
			log.Debug("Pong for unknown connection", "error", err)
		}

	case protocol.KindGetStats:
		stats := s.scheduler.Stats()
		if stats.TakenAt.IsZero() {
			stats = s.scheduler.SnapshotNow(context.Background())
		}
		_ = s.sendMessage(id, protocol.ServerMessage{
			Kind:  protocol.KindConnectionStats,
			Stats: &stats,
		})
	}
}

func (s *Server) respondSubscription(id domain.ConnectionID, groupKeys []string, status string) {
	_ = s.sendMessage(id, protocol.ServerMessage{
		Kind:      protocol.KindSubscriptionResponse,
		GroupKeys: groupKeys,
		Status:    status,
	})
}

// sendMessage encodes and hands a frame to the connection's writer.
func (s *Server) sendMessage(id domain.ConnectionID, msg protocol.ServerMessage) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return s.registry.Send(ctx, id, payload)
}

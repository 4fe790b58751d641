// Package protocol defines the wire messages exchanged over a connection.
// The message kinds are a closed set, tagged by "kind" and matched
// exhaustively at the boundary; unknown kinds are malformed.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/epiwatch/alertstream/internal/domain"
)

// Client -> server message kinds.
const (
	KindSubscribe     = "subscribe"
	KindUnsubscribe   = "unsubscribe"
	KindUpdateFilters = "update_filters"
	KindPong          = "pong"
	KindGetStats      = "get_stats"
)

// Server -> client message kinds. Heartbeats are websocket control ping
// frames, not text frames, so they have no kind here.
const (
	KindConnectionEstablished = "connection_established"
	KindSubscriptionResponse  = "subscription_response"
	KindAlert                 = "alert"
	KindRateLimitWarning      = "rate_limit_warning"
	KindConnectionStats       = "connection_stats"
)

// ClientMessage is an inbound frame. Exactly one payload field is meaningful
// for a given kind.
type ClientMessage struct {
	Kind      string          `json:"kind"`
	GroupKeys []string        `json:"group_keys,omitempty"`
	Filters   *domain.Filters `json:"filters,omitempty"`
}

// Decode parses an inbound frame, rejecting unknown kinds and kind-specific
// shape violations with domain.ErrMalformedMessage.
func Decode(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)
	}

	switch msg.Kind {
	case KindSubscribe, KindUnsubscribe:
		if len(msg.GroupKeys) == 0 {
			return ClientMessage{}, fmt.Errorf("%w: %s requires group_keys", domain.ErrMalformedMessage, msg.Kind)
		}
	case KindUpdateFilters:
		if msg.Filters == nil {
			return ClientMessage{}, fmt.Errorf("%w: update_filters requires filters", domain.ErrMalformedMessage)
		}
		if msg.Filters.RiskThreshold != "" && !msg.Filters.RiskThreshold.Valid() {
			return ClientMessage{}, fmt.Errorf("%w: unknown risk threshold %q", domain.ErrMalformedMessage, msg.Filters.RiskThreshold)
		}
	case KindPong, KindGetStats:
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown kind %q", domain.ErrMalformedMessage, msg.Kind)
	}
	return msg, nil
}

// ServerMessage is an outbound frame.
type ServerMessage struct {
	Kind              string                  `json:"kind"`
	ConnectionID      string                  `json:"connection_id,omitempty"`
	GroupKeys         []string                `json:"group_keys,omitempty"`
	Status            string                  `json:"status,omitempty"`
	Alert             *domain.AlertMessage    `json:"alert,omitempty"`
	RetryAfterSeconds int                     `json:"retry_after_seconds,omitempty"`
	Stats             *domain.ConnectionStats `json:"stats,omitempty"`
}

// EncodeAlert builds the wire frame for an alert delivery.
func EncodeAlert(alert domain.AlertMessage) ([]byte, error) {
	return json.Marshal(ServerMessage{Kind: KindAlert, Alert: &alert})
}

// Encode marshals any outbound frame.
func Encode(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

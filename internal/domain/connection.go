package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of a client connection.
//
// Connecting -> Active -> Degraded -> Closing -> Closed. Closed is terminal;
// only Active and Degraded connections are eligible for broadcast delivery.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateActive
	StateDegraded
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Deliverable reports whether a connection in this state may receive broadcasts.
func (s ConnectionState) Deliverable() bool {
	return s == StateActive || s == StateDegraded
}

// Identity is the authenticated identity behind a connection.
// AnonymousID is set for unauthenticated sessions where permitted.
type Identity struct {
	UserID      string
	AnonymousID string
	Scopes      []string
}

// Key returns the identity key used for rate limiting and offline queuing.
func (i Identity) Key() string {
	if i.UserID != "" {
		return i.UserID
	}
	return "anon:" + i.AnonymousID
}

// Filters are a connection's exact delivery filters. Group membership in the
// subscription index is coarse; these are applied as a second pass at resolve
// time.
type Filters struct {
	Bounds        GeoBounds `json:"bounds"`
	RiskThreshold RiskLevel `json:"risk_threshold"`
	AlertTypes    []string  `json:"alert_types"`
}

// Matches reports whether an alert passes the exact filters.
func (f Filters) Matches(a AlertMessage) bool {
	if f.RiskThreshold != "" && !a.Level.AtLeast(f.RiskThreshold) {
		return false
	}
	if len(f.AlertTypes) > 0 {
		found := false
		for _, t := range f.AlertTypes {
			if t == a.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if a.Bounds != nil && !f.Bounds.Intersects(*a.Bounds) {
		return false
	}
	return true
}

// GroupKeys derives the coarse subscription groups implied by the filters.
// Used when a filter update re-derives a connection's memberships.
func (f Filters) GroupKeys() []string {
	var keys []string
	for _, level := range LevelsAtOrAbove(f.RiskThreshold) {
		keys = append(keys, RiskGroupKey(level))
	}
	for _, t := range f.AlertTypes {
		keys = append(keys, TypeGroupKey(t))
	}
	keys = append(keys, f.Bounds.Tiles()...)
	return keys
}

// ConnectionID identifies a single connection in the registry.
type ConnectionID = uuid.UUID

// ConnectionInfo is a read-only view of a registered connection.
type ConnectionInfo struct {
	ID        ConnectionID
	Identity  Identity
	Filters   Filters
	State     ConnectionState
	CreatedAt time.Time
	LastPong  time.Time
}

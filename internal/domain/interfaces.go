package domain

import "context"

// AuthService validates connection tokens at handshake time. Token issuance
// is an external collaborator; this service only consumes validation.
type AuthService interface {
	// Validate returns the identity behind a token or ErrAuthenticationFailed.
	Validate(ctx context.Context, token string) (Identity, error)
}

// OfflineQueue is the durable per-user FIFO store of undelivered alerts.
//
// Drain is a destructive read: returned entries are removed from the store at
// call time. Callers that fail to deliver a drained entry re-enqueue it.
type OfflineQueue interface {
	Enqueue(ctx context.Context, userKey string, alert AlertMessage) error
	Drain(ctx context.Context, userKey string) ([]AlertMessage, error)
	PurgeExpired(ctx context.Context) (int, error)
}

// AlertHistory is the append/query interface to persistent alert storage.
// The schema and durability engine behind it are out of scope here.
type AlertHistory interface {
	AppendAlert(ctx context.Context, alert AlertMessage) error
	RecentAlerts(ctx context.Context, limit int) ([]AlertMessage, error)
}

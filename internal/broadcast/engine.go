package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/epiwatch/alertstream/internal/domain"
	"github.com/epiwatch/alertstream/internal/metrics"
	"github.com/epiwatch/alertstream/internal/platform/retry"
	"github.com/epiwatch/alertstream/internal/protocol"
)

const (
	defaultWorkers      = 200
	defaultSendTimeout  = 2 * time.Second
	defaultRetryBackoff = 250 * time.Millisecond
	historyTimeout      = 5 * time.Second
)

// Registry is the slice of the connection registry the engine needs.
type Registry interface {
	Get(id domain.ConnectionID) (domain.ConnectionInfo, bool)
	Send(ctx context.Context, id domain.ConnectionID, payload []byte) error
}

// Resolver returns candidate connections for an alert.
type Resolver interface {
	Resolve(alert domain.AlertMessage) []domain.ConnectionID
}

// Options configures the engine's send path. Zero fields use the defaults.
type Options struct {
	Workers      int           // concurrent send bound, default 200
	SendTimeout  time.Duration // per-send timeout, default 2s
	RetryBackoff time.Duration // backoff before the single retry, default 250ms
}

// BroadcastReport records the outcome of one published alert.
// Delivered + QueuedOffline + Failed always equals Candidates.
type BroadcastReport struct {
	AlertID       string        `json:"alert_id"`
	Candidates    int           `json:"candidates"`
	Delivered     int           `json:"delivered"`
	QueuedOffline int           `json:"queued_offline"`
	Failed        int           `json:"failed"`
	Latency       time.Duration `json:"latency"`
}

// Engine fans out alerts to subscribed connections.
type Engine struct {
	registry Registry
	resolver Resolver
	offline  domain.OfflineQueue
	history  domain.AlertHistory // nil disables history
	clock    clockwork.Clock
	opts     Options
	sem      chan struct{}

	delivered  atomic.Uint64
	queued     atomic.Uint64
	failed     atomic.Uint64
	latencySum atomic.Int64 // nanoseconds across broadcasts
	broadcasts atomic.Uint64
}

// NewEngine creates an engine. history may be nil.
func NewEngine(registry Registry, resolver Resolver, offline domain.OfflineQueue, history domain.AlertHistory, clock clockwork.Clock, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	return &Engine{
		registry: registry,
		resolver: resolver,
		offline:  offline,
		history:  history,
		clock:    clock,
		opts:     opts,
		sem:      make(chan struct{}, opts.Workers),
	}
}

// Publish fans the alert out to all matching subscribers and reports the
// outcome. Per-recipient failures degrade to offline queuing; they are never
// surfaced as an error to the publisher.
func (e *Engine) Publish(ctx context.Context, alert domain.AlertMessage) BroadcastReport {
	start := e.clock.Now()
	report := BroadcastReport{AlertID: alert.ID.String()}

	metrics.BroadcastsTotal.Inc()
	e.appendHistory(alert)

	if alert.Expired(start) {
		slog.Warn("Dropping expired alert at publish", "alert_id", alert.ID.String())
		return report
	}

	payload, err := protocol.EncodeAlert(alert)
	if err != nil {
		slog.Error("Failed to encode alert", "alert_id", alert.ID.String(), "error", err)
		return report
	}

	var activeIDs []domain.ConnectionID
	var activeUsers []string
	for _, id := range e.resolver.Resolve(alert) {
		info, ok := e.registry.Get(id)
		if !ok || !info.Filters.Matches(alert) {
			continue
		}
		report.Candidates++

		if info.State != domain.StateActive {
			// Degraded and closing connections go straight to the
			// offline queue for the owning user.
			e.enqueueOffline(ctx, info.Identity.Key(), alert, &report)
			continue
		}
		activeIDs = append(activeIDs, id)
		activeUsers = append(activeUsers, info.Identity.Key())
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, id := range activeIDs {
		userKey := activeUsers[i]

		wg.Add(1)
		e.sem <- struct{}{}
		go func(id domain.ConnectionID, userKey string) {
			defer wg.Done()
			defer func() { <-e.sem }()

			err := e.sendWithRetry(ctx, id, payload)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				report.Delivered++
				e.delivered.Add(1)
				metrics.BroadcastDeliveries.WithLabelValues("delivered").Inc()
				return
			}
			e.enqueueOffline(ctx, userKey, alert, &report)
		}(id, userKey)
	}
	wg.Wait()

	report.Latency = e.clock.Since(start)
	e.latencySum.Add(int64(report.Latency))
	e.broadcasts.Add(1)
	metrics.BroadcastLatency.Observe(report.Latency.Seconds())

	slog.Info("Alert broadcast",
		"alert_id", alert.ID.String(),
		"level", string(alert.Level),
		"candidates", report.Candidates,
		"delivered", report.Delivered,
		"queued_offline", report.QueuedOffline,
		"failed", report.Failed,
		"latency", report.Latency,
	)
	return report
}

// sendWithRetry attempts one send with the per-send timeout, retrying once
// with backoff. A closed connection is permanent and not retried.
func (e *Engine) sendWithRetry(ctx context.Context, id domain.ConnectionID, payload []byte) error {
	policy := retry.Policy{
		MaxAttempts: 2,
		BaseDelay:   e.opts.RetryBackoff,
		Multiplier:  2,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			metrics.SendRetriesTotal.Inc()
			slog.Debug("Retrying send",
				"connection_id", id.String(),
				"attempt", attempt,
				"backoff", backoff,
				"error", err,
			)
		},
	}

	classify := func(err error) retry.Action {
		if errors.Is(err, domain.ErrConnectionClosed) {
			return retry.Stop
		}
		return retry.Retry
	}

	return retry.Do(ctx, e.clock, policy, classify, func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
		defer cancel()
		return e.registry.Send(sendCtx, id, payload)
	})
}

// enqueueOffline routes an alert to the user's offline queue. Store
// unavailability downgrades to a counted drop. Callers hold no lock except
// the report lock where required; report mutation here relies on the caller's
// synchronization (resolve loop is single-goroutine, worker path holds mu).
func (e *Engine) enqueueOffline(ctx context.Context, userKey string, alert domain.AlertMessage, report *BroadcastReport) {
	if err := e.offline.Enqueue(ctx, userKey, alert); err != nil {
		report.Failed++
		e.failed.Add(1)
		metrics.BroadcastDeliveries.WithLabelValues("failed").Inc()
		metrics.OfflineDropped.Inc()
		slog.Error("Failed to queue alert offline", "user", userKey, "alert_id", alert.ID.String(), "error", err)
		return
	}
	report.QueuedOffline++
	e.queued.Add(1)
	metrics.BroadcastDeliveries.WithLabelValues("queued").Inc()
}

// appendHistory records the alert in persistent history, fire-and-forget.
func (e *Engine) appendHistory(alert domain.AlertMessage) {
	if e.history == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := e.history.AppendAlert(ctx, alert); err != nil {
			slog.Warn("Failed to append alert history", "alert_id", alert.ID.String(), "error", err)
		}
	}()
}

// Totals returns cumulative delivery counters and the average broadcast
// latency, consumed by the stats snapshot.
func (e *Engine) Totals() (delivered, queued, failed uint64, avgLatency time.Duration) {
	delivered = e.delivered.Load()
	queued = e.queued.Load()
	failed = e.failed.Load()
	if n := e.broadcasts.Load(); n > 0 {
		avgLatency = time.Duration(e.latencySum.Load() / int64(n))
	}
	return delivered, queued, failed, avgLatency
}

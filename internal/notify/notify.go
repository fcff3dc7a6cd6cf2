// Package notify implements the pub/sub notification engine: rendering a
// Notification body for a matched subscription batch, enqueuing delivery
// via a pluggable task broker, and transmitting it over HTTPS with the
// fixed retry ladder from §4.8.
//
// Grounded on the reference server's notification/task/transmit.py
// (do_transmit_notification/schedule_retry_transmission, the exact
// RETRY_DELAYS ladder and terminal-vs-retryable status code split) and,
// for the worker-pool/fan-out idiom, the teacher's
// internal/ldap_cache/manager.go WarmupCache goroutine pattern.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gridedge/der-utility-server/internal/store"
	"github.com/gridedge/der-utility-server/internal/subscription"
)

// HeaderNotificationID and HeaderSubscriptionHref are the fixed headers
// every outbound notification POST carries, per §4.8.
const (
	HeaderNotificationID   = "X-Envoy-Notification-Id"
	HeaderSubscriptionHref = "X-Envoy-Subscription-Href"
)

// RetryDelays is the fixed backoff ladder, in seconds from the failing
// attempt: 10, 100, 300, 1800. Exhaustion drops the notification.
var RetryDelays = []time.Duration{
	10 * time.Second,
	100 * time.Second,
	300 * time.Second,
	1800 * time.Second,
}

// delayForAttempt returns the delay to apply before retrying attempt, or
// false once the ladder is exhausted.
func delayForAttempt(attempt int) (time.Duration, bool) {
	if attempt >= len(RetryDelays) {
		return 0, false
	}

	return RetryDelays[attempt], true
}

// Renderer builds the wire body for a notification of up to
// subscription.EntityLimit entities. sep2's native (de)serialization is
// XML, an external collaborator per §1; Renderer is the seam a binding
// layer plugs into, filled here by JSONRenderer.
type Renderer func(sub store.Subscription, entities []subscription.ChangedEntity, deleted bool) ([]byte, error)

// Task is the payload carried by a broker enqueue for the
// "transmit_notification" task.
type Task struct {
	RemoteURI          string
	Content            []byte
	SubscriptionHref   string
	NotificationID     string
	Attempt            int
}

// Broker abstracts the external task queue notifications are enqueued
// onto: either an in-process memory broker for single-node deployments,
// or an AMQP broker. Delay is the broker-level per-task delay label (0
// for immediate dispatch).
type Broker interface {
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
	// Run processes enqueued tasks with handler until ctx is cancelled.
	Run(ctx context.Context, handler func(context.Context, Task) error)
	Close() error
}

// Metrics tracks delivery attempts/successes/drops, grounded on and
// adapted from the teacher's internal/ldap_cache/metrics.go
// atomic-counter health-tracking idiom, repurposed for notification
// delivery instead of cache refresh cycles.
type Metrics struct {
	Attempts  int64
	Successes int64
	Drops     int64
	Retries   int64
}

func (m *Metrics) recordAttempt()  { atomic.AddInt64(&m.Attempts, 1) }
func (m *Metrics) recordSuccess()  { atomic.AddInt64(&m.Successes, 1) }
func (m *Metrics) recordDrop()     { atomic.AddInt64(&m.Drops, 1) }
func (m *Metrics) recordRetry()    { atomic.AddInt64(&m.Retries, 1) }

// Snapshot is a point-in-time read of Metrics' counters.
type Snapshot struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Drops     int64 `json:"drops"`
	Retries   int64 `json:"retries"`
}

// Snapshot reads every counter atomically.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Attempts:  atomic.LoadInt64(&m.Attempts),
		Successes: atomic.LoadInt64(&m.Successes),
		Drops:     atomic.LoadInt64(&m.Drops),
		Retries:   atomic.LoadInt64(&m.Retries),
	}
}

// Dispatcher implements subscription's Enqueuer-shaped API: it renders
// matched batches into Notification bodies and hands them to a Broker for
// delivery, then performs the actual HTTPS transmission when the broker
// invokes it back.
type Dispatcher struct {
	Broker   Broker
	Render   Renderer
	Metrics  *Metrics
	HTTP     *http.Client
}

// NewDispatcher builds a Dispatcher with a 60-second HTTP client timeout
// per §5 ("outbound HTTP to ... webhook targets uses a 60-second
// timeout").
func NewDispatcher(broker Broker, render Renderer) *Dispatcher {
	return &Dispatcher{
		Broker:  broker,
		Render:  render,
		Metrics: &Metrics{},
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Enqueue renders matched entities for a single subscription and hands
// the result to the broker for immediate (attempt 0) delivery, tagging it
// with a fresh UUID v4 per §4.8.
func (d *Dispatcher) Enqueue(ctx context.Context, match subscription.Match, deleted bool) error {
	entities := match.Entities
	if match.Subscription.EntityLimit > 0 && len(entities) > match.Subscription.EntityLimit {
		entities = entities[:match.Subscription.EntityLimit]
	}

	body, err := d.Render(match.Subscription, entities, deleted)
	if err != nil {
		return fmt.Errorf("notify: render notification: %w", err)
	}

	task := Task{
		RemoteURI:        match.Subscription.NotificationURI,
		Content:          body,
		SubscriptionHref: hrefForSubscription(match.Subscription),
		NotificationID:   uuid.NewString(),
		Attempt:          0,
	}

	return d.Broker.Enqueue(ctx, task, 0)
}

func hrefForSubscription(sub store.Subscription) string {
	return fmt.Sprintf("/edev/%d/sub/%d", siteIDOrZero(sub), sub.ID)
}

func siteIDOrZero(sub store.Subscription) int64 {
	if sub.ScopedSiteID != nil {
		return *sub.ScopedSiteID
	}

	return 0
}

// Deliver performs a single transmission attempt and, on a retryable
// failure, re-enqueues with the next ladder delay. Success is any 2xx.
// 3xx/4xx are terminal (logged, dropped without retry). Network errors
// and 5xx schedule a retry; ladder exhaustion drops the notification.
func (d *Dispatcher) Deliver(ctx context.Context, task Task) error {
	d.Metrics.recordAttempt()

	ok, retryable, err := d.transmit(ctx, task)
	if ok {
		d.Metrics.recordSuccess()

		return nil
	}

	if !retryable {
		log.Error().Str("notification_id", task.NotificationID).Str("uri", task.RemoteURI).
			Err(err).Msg("notification delivery terminally failed, not retrying")
		d.Metrics.recordDrop()

		return nil
	}

	delay, more := delayForAttempt(task.Attempt)
	if !more {
		log.Error().Str("notification_id", task.NotificationID).Str("uri", task.RemoteURI).
			Msg("notification delivery exhausted retry ladder, dropping")
		d.Metrics.recordDrop()

		return nil
	}

	next := task
	next.Attempt = task.Attempt + 1

	d.Metrics.recordRetry()

	if enqueueErr := d.Broker.Enqueue(ctx, next, delay); enqueueErr != nil {
		log.Error().Err(enqueueErr).Str("notification_id", task.NotificationID).Msg("failed to schedule notification retry")

		return enqueueErr
	}

	return nil
}

// transmit issues the HTTPS POST. ok=true means success; retryable
// distinguishes a network/5xx failure (schedule retry) from a 3xx/4xx
// terminal failure (dropped without retry).
func (d *Dispatcher) transmit(ctx context.Context, task Task) (ok, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.RemoteURI, bytes.NewReader(task.Content))
	if err != nil {
		return false, false, fmt.Errorf("notify: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSubscriptionHref, task.SubscriptionHref)
	req.Header.Set(HeaderNotificationID, task.NotificationID)

	resp, err := d.HTTP.Do(req)
	if err != nil {
		return false, true, fmt.Errorf("notify: transmit: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, false, nil
	case resp.StatusCode >= 300 && resp.StatusCode < 500:
		return false, false, fmt.Errorf("notify: terminal status %d", resp.StatusCode)
	default:
		return false, true, fmt.Errorf("notify: retryable status %d", resp.StatusCode)
	}
}

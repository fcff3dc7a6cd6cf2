package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// MemoryBroker is the in-process broker used when no AMQP URL is
// configured ("single-node deployments", §6 rabbit_mq_broker_url empty =
// in-memory). Delayed tasks are scheduled with time.AfterFunc; the worker
// pool fan-out is grounded on the teacher's
// internal/ldap_cache/manager.go WarmupCache goroutine pattern.
type MemoryBroker struct {
	queue   chan Task
	workers int

	mu      sync.Mutex
	timers  []*time.Timer
	closed  bool
}

// NewMemoryBroker builds a MemoryBroker with workers concurrent delivery
// goroutines and a queue buffer of backlog.
func NewMemoryBroker(workers, backlog int) *MemoryBroker {
	if workers < 1 {
		workers = 1
	}

	if backlog < 1 {
		backlog = 1
	}

	return &MemoryBroker{
		queue:   make(chan Task, backlog),
		workers: workers,
	}
}

// Enqueue schedules task for delivery after delay (0 meaning immediately).
func (b *MemoryBroker) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return fmt.Errorf("notify: memory broker is closed")
	}
	b.mu.Unlock()

	if delay <= 0 {
		select {
		case b.queue <- task:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.AfterFunc(delay, func() {
		select {
		case b.queue <- task:
		default:
			log.Warn().Str("notification_id", task.NotificationID).Msg("memory broker queue full, dropping delayed retry")
		}
	})

	b.mu.Lock()
	b.timers = append(b.timers, timer)
	b.mu.Unlock()

	return nil
}

// Run starts workers goroutines pulling from the queue and invoking
// handler, until ctx is cancelled. Blocks until every worker exits.
func (b *MemoryBroker) Run(ctx context.Context, handler func(context.Context, Task) error) {
	var wg sync.WaitGroup

	for i := 0; i < b.workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-b.queue:
					if !ok {
						return
					}

					if err := handler(ctx, task); err != nil {
						log.Error().Err(err).Str("notification_id", task.NotificationID).Msg("notification handler failed")
					}
				}
			}
		}()
	}

	wg.Wait()
}

// Close stops any pending delayed timers and closes the queue. In-flight
// HTTP calls may be abandoned; unretried work is lost (§4.8 Cancellation —
// the archive still records the change).
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	for _, t := range b.timers {
		t.Stop()
	}

	close(b.queue)

	return nil
}

// AMQPBroker delivers via a RabbitMQ exchange, using per-message headers
// to carry the broker-level delay label (the "x-delay" convention of the
// rabbitmq-delayed-message-exchange plugin) so retries reuse the same
// exchange instead of a separate scheduler.
type AMQPBroker struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    string
}

// NewAMQPBroker dials url and declares exchange/queue, binding queue to
// exchange with the empty routing key (a single logical notification
// topic is sufficient for this deployment's fan-out shape).
func NewAMQPBroker(url, exchange, queueName string) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("notify: amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "x-delayed-message", true, false, false, false, amqp.Table{
		"x-delayed-type": "direct",
	}); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, fmt.Errorf("notify: amqp exchange declare: %w", err)
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, fmt.Errorf("notify: amqp queue declare: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, fmt.Errorf("notify: amqp queue bind: %w", err)
	}

	return &AMQPBroker{conn: conn, channel: ch, exchange: exchange, queue: q.Name}, nil
}

// Enqueue publishes task with an x-delay header set to delay in
// milliseconds, per §6's "per-task integer delay label (seconds)" —
// translated to the delayed-message-exchange's millisecond convention at
// the transport boundary.
func (b *AMQPBroker) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("notify: marshal task: %w", err)
	}

	headers := amqp.Table{}
	if delay > 0 {
		headers["x-delay"] = int32(delay.Milliseconds())
	}

	return b.channel.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
		Headers:     headers,
	})
}

// Run consumes the bound queue and invokes handler per delivery, acking on
// success and nacking without requeue on handler error. Dispatcher.Deliver
// returns an error only when scheduling its retry failed, so such a
// notification is dropped.
func (b *AMQPBroker) Run(ctx context.Context, handler func(context.Context, Task) error) {
	deliveries, err := b.channel.Consume(b.queue, "", false, false, false, false, nil)
	if err != nil {
		log.Error().Err(err).Msg("amqp consume failed")

		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			var task Task
			if err := json.Unmarshal(d.Body, &task); err != nil {
				log.Error().Err(err).Msg("amqp malformed task payload")
				_ = d.Nack(false, false)

				continue
			}

			if err := handler(ctx, task); err != nil {
				log.Error().Err(err).Str("notification_id", task.NotificationID).Msg("notification handler failed")
				_ = d.Nack(false, false)

				continue
			}

			_ = d.Ack(false)
		}
	}
}

// Close closes the channel and connection.
func (b *AMQPBroker) Close() error {
	if err := b.channel.Close(); err != nil {
		return err
	}

	return b.conn.Close()
}

/**
 * @description
 * This file implements the CDC dispatcher: the bridge between broker delivery
 * and handler invocation. It decodes raw messages, fans each event out to the
 * registered handlers sequentially, and owns the acknowledgement decision:
 * ack only after every handler succeeded (or the event was parked or
 * dead-lettered — an event is never silently dropped).
 *
 * Concurrency model: a bounded worker pool. Deliveries are sharded to workers
 * by the event's ledger partition id, so events for one ledger apply in
 * delivery order while distinct ledgers proceed in parallel. Handlers remain
 * responsible for discarding stale writes via store-level compare-and-set;
 * sharding only preserves order for the common path.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: broker delivery type (ack/nack/reject).
 * - internal/domain, internal/store, internal/observability.
 */

package cdc

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/corebank/ledger-cdc-service/internal/domain"
	"github.com/corebank/ledger-cdc-service/internal/observability"
	"github.com/corebank/ledger-cdc-service/internal/store"
)

// DeadLetterSink re-publishes a failed event to the failure exchange for
// manual or automated reconciliation.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, routingKey string, body []byte, reason string) error
}

// DispatcherConfig bounds the dispatcher's concurrency and retry behavior.
type DispatcherConfig struct {
	Workers        int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	HandlerTimeout time.Duration
	AutoAck        bool
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 15 * time.Second
	}
}

type job struct {
	delivery amqp.Delivery
	event    *domain.TransferEvent
	token    uint64
}

// Dispatcher consumes broker deliveries and drives handler fan-out.
type Dispatcher struct {
	registry *Registry
	repo     store.Repository
	dedup    *DedupCache
	sink     DeadLetterSink
	metrics  *observability.Metrics
	cfg      DispatcherConfig

	queues     []chan job
	routers    sync.WaitGroup
	workers    sync.WaitGroup
	startOnce  sync.Once
	drainOnce  sync.Once
	inflightMu sync.Mutex
	inflight   map[uint64]time.Time
	nextToken  uint64
}

// NewDispatcher creates a dispatcher. The dedup cache and sink may be nil.
func NewDispatcher(registry *Registry, repo store.Repository, dedup *DedupCache, sink DeadLetterSink, metrics *observability.Metrics, cfg DispatcherConfig) *Dispatcher {
	cfg.applyDefaults()
	d := &Dispatcher{
		registry: registry,
		repo:     repo,
		dedup:    dedup,
		sink:     sink,
		metrics:  metrics,
		cfg:      cfg,
		inflight: make(map[uint64]time.Time),
	}
	d.queues = make([]chan job, cfg.Workers)
	for i := range d.queues {
		d.queues[i] = make(chan job)
	}
	return d
}

// Start consumes deliveries until the channel closes (the manager cancels the
// subscription on shutdown). It may be called once per subscription; all
// routers feed the same sharded worker pool.
func (d *Dispatcher) Start(deliveries <-chan amqp.Delivery) {
	d.startOnce.Do(func() {
		for i := range d.queues {
			d.workers.Add(1)
			go d.work(d.queues[i])
		}
	})

	d.routers.Add(1)
	go func() {
		defer d.routers.Done()
		for delivery := range deliveries {
			d.route(delivery)
		}
	}()
}

// Drain waits for in-flight events to finish. Past the context deadline it
// returns an error; abandoned events stay unacknowledged and the transport
// redelivers them after restart.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.routers.Wait()
		d.drainOnce.Do(func() {
			for _, q := range d.queues {
				close(q)
			}
		})
		d.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

// InflightCount reports the number of events currently owned by workers.
func (d *Dispatcher) InflightCount() int {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	return len(d.inflight)
}

// OldestInflightAge reports the age of the oldest unacknowledged event, the
// pipeline's primary lag signal. Zero when nothing is in flight.
func (d *Dispatcher) OldestInflightAge() time.Duration {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	var oldest time.Time
	for _, started := range d.inflight {
		if oldest.IsZero() || started.Before(oldest) {
			oldest = started
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

func (d *Dispatcher) route(delivery amqp.Delivery) {
	event, err := domain.DecodeTransferEvent(delivery.Body)
	if err != nil {
		// Malformed events can never succeed; reject without requeue and
		// preserve the payload on the dead-letter path.
		log.Printf("level=error component=cdc_dispatcher msg=\"malformed event\" routing_key=%s err=%v", delivery.RoutingKey, err)
		d.metrics.CountEvent(observability.OutcomeMalformed)
		d.deadLetter(context.Background(), delivery, err.Error(), 0)
		d.reject(delivery)
		return
	}

	shard := fnv.New32a()
	fmt.Fprintf(shard, "%d", event.Ledger)
	d.queues[int(shard.Sum32())%len(d.queues)] <- job{
		delivery: delivery,
		event:    event,
		token:    d.track(),
	}
}

func (d *Dispatcher) work(jobs <-chan job) {
	defer d.workers.Done()
	for j := range jobs {
		d.process(j)
		d.untrack(j.token)
	}
}

func (d *Dispatcher) process(j job) {
	event := j.event
	ctx := context.Background()

	if d.dedup.AlreadyProcessed(ctx, event.Transfer.ID, event.Kind) {
		d.metrics.CountEvent(observability.OutcomeDuplicate)
		d.ack(j.delivery)
		return
	}

	handlers := d.registry.Resolve(j.delivery.RoutingKey)
	if len(handlers) == 0 {
		log.Printf("level=warn component=cdc_dispatcher msg=\"no handler for routing key; acknowledging to drop\" routing_key=%s", j.delivery.RoutingKey)
		d.metrics.CountEvent(observability.OutcomeUnroutable)
		d.ack(j.delivery)
		return
	}

	for _, handler := range handlers {
		err := d.invokeWithRetry(handler, event)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrAwaitingPending) {
			if parkErr := d.park(ctx, j); parkErr != nil {
				log.Printf("level=error component=cdc_dispatcher msg=\"park failed; requeueing\" transfer_id=%s err=%v", event.Transfer.ID, parkErr)
				d.requeue(j.delivery)
				return
			}
			log.Printf("level=info component=cdc_dispatcher msg=\"event parked awaiting pending transfer\" transfer_id=%s pending_id=%s handler=%s",
				event.Transfer.ID, event.Transfer.PendingID, handler.Name())
			d.metrics.CountEvent(observability.OutcomeParked)
			d.ack(j.delivery)
			return
		}

		reason := fmt.Sprintf("handler %s: %v", handler.Name(), err)
		log.Printf("level=error component=cdc_dispatcher msg=\"event dead-lettered\" transfer_id=%s routing_key=%s reason=%q",
			event.Transfer.ID, j.delivery.RoutingKey, reason)
		d.metrics.CountEvent(observability.OutcomeDeadLettered)
		if dlErr := d.deadLetter(ctx, j.delivery, reason, d.cfg.MaxAttempts); dlErr != nil {
			// Persisting the failure is the one thing we may not skip;
			// requeue so the transport retries the whole event.
			log.Printf("level=error component=cdc_dispatcher msg=\"dead-letter persist failed; requeueing\" transfer_id=%s err=%v", event.Transfer.ID, dlErr)
			d.requeue(j.delivery)
			return
		}
		d.ack(j.delivery)
		return
	}

	d.dedup.MarkProcessed(ctx, event.Transfer.ID, event.Kind)
	d.metrics.CountEvent(observability.OutcomeProcessed)
	d.ack(j.delivery)
}

// invokeWithRetry runs one handler with bounded retries and exponential
// backoff for transient failures. Awaiting-pending and permanent failures
// return immediately; retrying cannot help them here.
func (d *Dispatcher) invokeWithRetry(handler TransferEventHandler, event *domain.TransferEvent) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := d.invoke(handler, event)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAwaitingPending) || IsPermanent(err) {
			return err
		}
		lastErr = err
		if attempt < d.cfg.MaxAttempts {
			d.metrics.CountRetry()
			log.Printf("level=warn component=cdc_dispatcher msg=\"transient handler failure; backing off\" handler=%s transfer_id=%s attempt=%d err=%v",
				handler.Name(), event.Transfer.ID, attempt, err)
			time.Sleep(d.backoffFor(attempt))
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", d.cfg.MaxAttempts, lastErr)
}

// invoke runs a single handler call, converting panics into permanent errors
// so one handler's fault cannot take down the worker.
func (d *Dispatcher) invoke(handler TransferEventHandler, event *domain.TransferEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler %s panicked: %v", handler.Name(), r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.HandlerTimeout)
	defer cancel()
	return handler.HandleTransferEvent(ctx, event)
}

func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	backoff := d.cfg.BackoffBase << (attempt - 1)
	if backoff > d.cfg.BackoffMax || backoff <= 0 {
		backoff = d.cfg.BackoffMax
	}
	return backoff
}

func (d *Dispatcher) park(ctx context.Context, j job) error {
	now := time.Now().UTC()
	return d.repo.ParkEvent(ctx, &domain.ParkedEvent{
		ID:          uuid.New(),
		RoutingKey:  j.delivery.RoutingKey,
		TransferID:  j.event.Transfer.ID,
		PendingID:   j.event.Transfer.PendingID,
		Payload:     j.delivery.Body,
		Attempts:    0,
		FirstSeenAt: now,
		NextRetryAt: now.Add(d.cfg.BackoffBase),
	})
}

func (d *Dispatcher) deadLetter(ctx context.Context, delivery amqp.Delivery, reason string, attempts int) error {
	err := d.repo.InsertDeadLetter(ctx, &domain.DeadLetterEvent{
		ID:         uuid.New(),
		RoutingKey: delivery.RoutingKey,
		Payload:    delivery.Body,
		Reason:     reason,
		Attempts:   attempts,
	})
	if err != nil {
		return err
	}
	if d.sink != nil {
		if pubErr := d.sink.PublishDeadLetter(ctx, delivery.RoutingKey, delivery.Body, reason); pubErr != nil {
			// The row is persisted; the failure channel is best effort.
			log.Printf("level=warn component=cdc_dispatcher msg=\"dead-letter publish failed\" routing_key=%s err=%v", delivery.RoutingKey, pubErr)
		}
	}
	return nil
}

func (d *Dispatcher) ack(delivery amqp.Delivery) {
	if d.cfg.AutoAck {
		return
	}
	if err := delivery.Ack(false); err != nil {
		log.Printf("level=error component=cdc_dispatcher msg=\"ack failed\" routing_key=%s err=%v", delivery.RoutingKey, err)
	}
}

func (d *Dispatcher) reject(delivery amqp.Delivery) {
	if d.cfg.AutoAck {
		return
	}
	if err := delivery.Reject(false); err != nil {
		log.Printf("level=error component=cdc_dispatcher msg=\"reject failed\" routing_key=%s err=%v", delivery.RoutingKey, err)
	}
}

func (d *Dispatcher) requeue(delivery amqp.Delivery) {
	if d.cfg.AutoAck {
		return
	}
	if err := delivery.Nack(false, true); err != nil {
		log.Printf("level=error component=cdc_dispatcher msg=\"nack failed\" routing_key=%s err=%v", delivery.RoutingKey, err)
	}
}

func (d *Dispatcher) track() uint64 {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	d.nextToken++
	token := d.nextToken
	d.inflight[token] = time.Now()
	d.metrics.SetInflight(len(d.inflight))
	return token
}

func (d *Dispatcher) untrack(token uint64) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	delete(d.inflight, token)
	d.metrics.SetInflight(len(d.inflight))
}

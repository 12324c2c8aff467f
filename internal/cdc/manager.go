/**
 * @description
 * This file implements the CDC manager: the composition root for the event
 * pipeline. It declares broker topology for every registered subscription,
 * feeds deliveries to the dispatcher, and exposes start/stop control with a
 * bounded graceful drain to the surrounding service process.
 */

package cdc

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/corebank/ledger-cdc-service/internal/observability"
	"github.com/corebank/ledger-cdc-service/internal/store"
)

// EventSource is the broker subscription surface the manager drives. The
// delivery channel closes once the subscription is canceled, which lets the
// dispatcher drain naturally.
type EventSource interface {
	Subscribe(exchange, queue string, routingKeys []string, autoAck bool, prefetch int) (<-chan amqp.Delivery, error)
	CancelSubscriptions() error
}

// HealthSnapshot is the pipeline's lag signal for the control surface.
type HealthSnapshot struct {
	OldestUnackedAgeSeconds float64 `json:"oldest_unacked_age_seconds"`
	InflightEvents          int     `json:"inflight_events"`
	ParkedBacklog           int64   `json:"parked_backlog"`
}

// Manager owns the subscription lifecycle for the CDC pipeline.
type Manager struct {
	source     EventSource
	registry   *Registry
	dispatcher *Dispatcher
	repo       store.Repository
	metrics    *observability.Metrics
	prefetch   int

	gaugeStop chan struct{}
	started   bool
}

// NewManager wires the pipeline components together.
func NewManager(source EventSource, registry *Registry, dispatcher *Dispatcher, repo store.Repository, metrics *observability.Metrics, prefetch int) *Manager {
	if prefetch <= 0 {
		prefetch = 64
	}
	return &Manager{
		source:     source,
		registry:   registry,
		dispatcher: dispatcher,
		repo:       repo,
		metrics:    metrics,
		prefetch:   prefetch,
		gaugeStop:  make(chan struct{}),
	}
}

// Start opens every registered subscription and begins dispatching.
func (m *Manager) Start(ctx context.Context) error {
	if m.started {
		return fmt.Errorf("cdc manager already started")
	}
	subscriptions := m.registry.Subscriptions()
	if len(subscriptions) == 0 {
		return fmt.Errorf("cdc manager: no subscriptions registered")
	}
	for _, sub := range subscriptions {
		deliveries, err := m.source.Subscribe(sub.Exchange, sub.Queue, sub.RoutingKeys, sub.AutoAck, m.prefetch)
		if err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", sub.Exchange, sub.Queue, err)
		}
		m.dispatcher.Start(deliveries)
		log.Printf("level=info component=cdc_manager msg=\"subscription started\" exchange=%s queue=%s routing_keys=%d", sub.Exchange, sub.Queue, len(sub.RoutingKeys))
	}
	m.started = true
	go m.publishGauges()
	return nil
}

// Stop cancels the subscriptions and drains in-flight events, bounded by the
// shutdown timeout. Events still in flight past the timeout are abandoned
// unacknowledged so the transport redelivers them after restart.
func (m *Manager) Stop(timeout time.Duration) error {
	if !m.started {
		return nil
	}
	m.started = false
	close(m.gaugeStop)

	if err := m.source.CancelSubscriptions(); err != nil {
		log.Printf("level=warn component=cdc_manager msg=\"subscription cancel failed\" err=%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.dispatcher.Drain(ctx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	log.Println("level=info component=cdc_manager msg=\"pipeline drained\"")
	return nil
}

// Health reports the pipeline's current lag signal.
func (m *Manager) Health(ctx context.Context) (HealthSnapshot, error) {
	backlog, err := m.repo.CountParkedEvents(ctx)
	if err != nil {
		return HealthSnapshot{}, fmt.Errorf("parked backlog: %w", err)
	}
	return HealthSnapshot{
		OldestUnackedAgeSeconds: m.dispatcher.OldestInflightAge().Seconds(),
		InflightEvents:          m.dispatcher.InflightCount(),
		ParkedBacklog:           backlog,
	}, nil
}

func (m *Manager) publishGauges() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.gaugeStop:
			return
		case <-ticker.C:
			m.metrics.SetOldestInflightAge(m.dispatcher.OldestInflightAge().Seconds())
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			backlog, err := m.repo.CountParkedEvents(ctx)
			cancel()
			if err != nil {
				log.Printf("level=warn component=cdc_manager msg=\"parked backlog query failed\" err=%v", err)
				continue
			}
			m.metrics.SetParkedBacklog(backlog)
		}
	}
}

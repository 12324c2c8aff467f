/**
 * @description
 * This file defines the event handler registry: the mapping from a broker
 * subscription (exchange + routing keys) to the ordered list of handlers that
 * consume matching transfer events. The registry performs no I/O; the manager
 * reads its subscriptions to declare broker topology and the dispatcher reads
 * its bindings to fan events out.
 *
 * @notes
 * - Handlers resolve in registration order. Projections are rebuilt by
 *   replaying the stream, so fan-out order must be reproducible across
 *   restarts; later registrations may also rely on state written by earlier
 *   ones within the same event.
 */

package cdc

import (
	"context"
	"fmt"

	"github.com/corebank/ledger-cdc-service/internal/domain"
)

// TransferRoutingKey is the routing key the ledger publishes an event kind under.
func TransferRoutingKey(kind domain.EventKind) string {
	return "transfer." + string(kind)
}

// AllTransferRoutingKeys lists the routing keys for every event kind in the
// CDC feed.
func AllTransferRoutingKeys() []string {
	kinds := []domain.EventKind{
		domain.EventSinglePhase,
		domain.EventTwoPhasePending,
		domain.EventTwoPhasePosted,
		domain.EventTwoPhaseVoided,
		domain.EventTwoPhaseExpired,
	}
	keys := make([]string, len(kinds))
	for i, kind := range kinds {
		keys[i] = TransferRoutingKey(kind)
	}
	return keys
}

// TransferEventHandler is the capability a domain projector implements to
// receive ledger transfer events.
type TransferEventHandler interface {
	// Name identifies the handler in logs and dead-letter reasons.
	Name() string
	// HandleTransferEvent applies the event to the handler's projection.
	// Implementations must be idempotent on (transfer.id, event kind).
	HandleTransferEvent(ctx context.Context, event *domain.TransferEvent) error
}

// SubscriptionConfig describes one broker subscription.
type SubscriptionConfig struct {
	Exchange    string
	RoutingKeys []string
	Queue       string
	AutoAck     bool
}

// Registry associates routing keys with ordered handler lists.
type Registry struct {
	subscriptions []SubscriptionConfig
	bindings      map[string][]TransferEventHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string][]TransferEventHandler)}
}

// Register binds the handlers to every routing key in the subscription.
// Multiple registrations may overlap on routing keys; handlers accumulate in
// registration order.
func (r *Registry) Register(cfg SubscriptionConfig, handlers ...TransferEventHandler) error {
	if cfg.Exchange == "" {
		return fmt.Errorf("registry: exchange is required")
	}
	if len(cfg.RoutingKeys) == 0 {
		return fmt.Errorf("registry: at least one routing key is required")
	}
	if len(handlers) == 0 {
		return fmt.Errorf("registry: at least one handler is required")
	}
	for _, handler := range handlers {
		if handler == nil {
			return fmt.Errorf("registry: nil handler")
		}
	}
	r.subscriptions = append(r.subscriptions, cfg)
	for _, key := range cfg.RoutingKeys {
		r.bindings[key] = append(r.bindings[key], handlers...)
	}
	return nil
}

// Resolve returns the handlers bound to a routing key, in registration order.
// The returned slice is a copy; callers may not mutate registry state.
func (r *Registry) Resolve(routingKey string) []TransferEventHandler {
	bound := r.bindings[routingKey]
	if len(bound) == 0 {
		return nil
	}
	handlers := make([]TransferEventHandler, len(bound))
	copy(handlers, bound)
	return handlers
}

// Subscriptions returns every registered subscription, in registration order.
func (r *Registry) Subscriptions() []SubscriptionConfig {
	subs := make([]SubscriptionConfig, len(r.subscriptions))
	copy(subs, r.subscriptions)
	return subs
}

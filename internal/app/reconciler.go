/**
 * @description
 * Cron-driven reconciliation for the CDC pipeline. Two jobs run on fixed
 * schedules: replaying parked awaiting-pending events through the registered
 * handlers, and force-expiring projected pending transfers whose ledger
 * timeout elapsed without a terminal event being observed.
 *
 * @notes
 * - The replay loop is the bounded form of "retry until the causally-prior
 *   event arrives": each pass backs off further, and events older than the
 *   configured window are dead-lettered with an explicit gap alarm instead
 *   of looping forever.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/corebank/ledger-cdc-service/internal/cdc"
	"github.com/corebank/ledger-cdc-service/internal/domain"
	"github.com/corebank/ledger-cdc-service/internal/observability"
	"github.com/corebank/ledger-cdc-service/internal/store"
)

// ReconcilerConfig bounds the reconciliation jobs.
type ReconcilerConfig struct {
	ReplaySchedule string // cron expression for the parked-event replay job
	ExpirySchedule string // cron expression for the pending-expiry job
	ParkedMaxAge   time.Duration
	BatchSize      int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	EventTimeout   time.Duration
}

func (c *ReconcilerConfig) applyDefaults() {
	if c.ReplaySchedule == "" {
		c.ReplaySchedule = "@every 30s"
	}
	if c.ExpirySchedule == "" {
		c.ExpirySchedule = "@every 1m"
	}
	if c.ParkedMaxAge <= 0 {
		c.ParkedMaxAge = 15 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Minute
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 15 * time.Second
	}
}

// Reconciler owns the background jobs that keep the projection converging.
type Reconciler struct {
	repo     store.Repository
	registry *cdc.Registry
	metrics  *observability.Metrics
	cfg      ReconcilerConfig
	cron     *cron.Cron
}

// NewReconciler creates the reconciler; Start schedules its jobs.
func NewReconciler(repo store.Repository, registry *cdc.Registry, metrics *observability.Metrics, cfg ReconcilerConfig) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		repo:     repo,
		registry: registry,
		metrics:  metrics,
		cfg:      cfg,
		cron:     cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.Default())))),
	}
}

// Start registers the jobs and starts the cron scheduler.
func (r *Reconciler) Start() error {
	if _, err := r.cron.AddFunc(r.cfg.ReplaySchedule, r.runReplay); err != nil {
		return fmt.Errorf("schedule parked replay: %w", err)
	}
	if _, err := r.cron.AddFunc(r.cfg.ExpirySchedule, r.runExpiry); err != nil {
		return fmt.Errorf("schedule pending expiry: %w", err)
	}
	r.cron.Start()
	log.Printf("level=info component=reconciler msg=\"jobs scheduled\" replay=%q expiry=%q parked_max_age=%s",
		r.cfg.ReplaySchedule, r.cfg.ExpirySchedule, r.cfg.ParkedMaxAge)
	return nil
}

// Stop stops the scheduler; the returned context completes when running jobs finish.
func (r *Reconciler) Stop() context.Context {
	return r.cron.Stop()
}

func (r *Reconciler) runReplay() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := r.ReplayParkedEvents(ctx); err != nil {
		log.Printf("level=error component=reconciler msg=\"parked replay pass failed\" err=%v", err)
	}
}

func (r *Reconciler) runExpiry() {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()
	if err := r.ExpireOverduePendings(ctx); err != nil {
		log.Printf("level=error component=reconciler msg=\"pending expiry pass failed\" err=%v", err)
	}
}

// ReplayParkedEvents runs one replay pass over due parked events.
func (r *Reconciler) ReplayParkedEvents(ctx context.Context) error {
	parked, err := r.repo.DueParkedEvents(ctx, time.Now().UTC(), r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list due parked events: %w", err)
	}
	for i := range parked {
		r.replayOne(ctx, &parked[i])
	}
	return nil
}

func (r *Reconciler) replayOne(ctx context.Context, parked *domain.ParkedEvent) {
	event, err := domain.DecodeTransferEvent(parked.Payload)
	if err != nil {
		// The payload decoded when it was parked; a failure here means the
		// row is corrupt and can never apply.
		r.deadLetterParked(ctx, parked, fmt.Sprintf("parked payload no longer decodes: %v", err))
		return
	}

	for _, handler := range r.registry.Resolve(parked.RoutingKey) {
		handlerErr := r.invoke(handler, event)
		if handlerErr == nil {
			continue
		}
		if errors.Is(handlerErr, cdc.ErrAwaitingPending) {
			if time.Since(parked.FirstSeenAt) > r.cfg.ParkedMaxAge {
				log.Printf("level=error component=reconciler msg=\"gap alarm: pending transfer never observed\" transfer_id=%s pending_id=%s parked_for=%s",
					parked.TransferID, parked.PendingID, time.Since(parked.FirstSeenAt).Round(time.Second))
				r.deadLetterParked(ctx, parked, fmt.Sprintf("gap: pending transfer %s never observed within %s", parked.PendingID, r.cfg.ParkedMaxAge))
				return
			}
			r.reschedule(ctx, parked)
			return
		}
		if cdc.IsPermanent(handlerErr) {
			r.deadLetterParked(ctx, parked, fmt.Sprintf("handler %s: %v", handler.Name(), handlerErr))
			return
		}
		// Transient; try again next pass.
		log.Printf("level=warn component=reconciler msg=\"parked replay failed; will retry\" transfer_id=%s handler=%s err=%v",
			parked.TransferID, handler.Name(), handlerErr)
		r.reschedule(ctx, parked)
		return
	}

	if err := r.repo.DeleteParkedEvent(ctx, parked.ID); err != nil {
		log.Printf("level=warn component=reconciler msg=\"parked delete failed after apply\" id=%s err=%v", parked.ID, err)
		return
	}
	r.metrics.CountReplayed()
	log.Printf("level=info component=reconciler msg=\"parked event applied\" transfer_id=%s attempts=%d", parked.TransferID, parked.Attempts+1)
}

func (r *Reconciler) invoke(handler cdc.TransferEventHandler, event *domain.TransferEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.EventTimeout)
	defer cancel()
	return handler.HandleTransferEvent(ctx, event)
}

func (r *Reconciler) reschedule(ctx context.Context, parked *domain.ParkedEvent) {
	attempts := parked.Attempts + 1
	backoff := r.cfg.BackoffBase
	for i := 1; i < attempts && backoff < r.cfg.BackoffMax; i++ {
		backoff *= 2
	}
	if backoff > r.cfg.BackoffMax {
		backoff = r.cfg.BackoffMax
	}
	if err := r.repo.RescheduleParkedEvent(ctx, parked.ID, attempts, time.Now().UTC().Add(backoff)); err != nil {
		log.Printf("level=warn component=reconciler msg=\"parked reschedule failed\" id=%s err=%v", parked.ID, err)
	}
}

func (r *Reconciler) deadLetterParked(ctx context.Context, parked *domain.ParkedEvent, reason string) {
	err := r.repo.InsertDeadLetter(ctx, &domain.DeadLetterEvent{
		ID:         uuid.New(),
		RoutingKey: parked.RoutingKey,
		Payload:    parked.Payload,
		Reason:     reason,
		Attempts:   parked.Attempts,
	})
	if err != nil {
		// Leave the row parked; losing the event is worse than retrying.
		log.Printf("level=error component=reconciler msg=\"dead-letter persist failed; keeping parked\" id=%s err=%v", parked.ID, err)
		return
	}
	r.metrics.CountEvent(observability.OutcomeDeadLettered)
	if err := r.repo.DeleteParkedEvent(ctx, parked.ID); err != nil {
		log.Printf("level=warn component=reconciler msg=\"parked delete failed after dead-letter\" id=%s err=%v", parked.ID, err)
	}
}

// ExpireOverduePendings force-expires projected pending transfers whose
// ledger timeout elapsed. This is release-only catch-up for missed
// two_phase_expired deliveries; it never posts funds.
func (r *Reconciler) ExpireOverduePendings(ctx context.Context) error {
	expired, err := r.repo.ExpireOverduePendings(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("expire overdue pendings: %w", err)
	}
	if expired > 0 {
		log.Printf("level=info component=reconciler msg=\"expired overdue pending transfers\" count=%d", expired)
	}
	return nil
}

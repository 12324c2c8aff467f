package app

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/corebank/ledger-cdc-service/internal/cdc"
	"github.com/corebank/ledger-cdc-service/internal/domain"
)

func marshalEvent(t *testing.T, event *domain.TransferEvent) []byte {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func parkPayload(t *testing.T, repo *memRepo, payload []byte, transferID, pendingID domain.ID, firstSeen time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := repo.ParkEvent(context.Background(), &domain.ParkedEvent{
		ID:          id,
		RoutingKey:  cdc.TransferRoutingKey(domain.EventTwoPhasePosted),
		TransferID:  transferID,
		PendingID:   pendingID,
		Payload:     payload,
		FirstSeenAt: firstSeen,
		NextRetryAt: time.Now().UTC().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("park payload: %v", err)
	}
	return id
}

func accountRegistry(t *testing.T, repo *memRepo) *cdc.Registry {
	t.Helper()
	registry := cdc.NewRegistry()
	err := registry.Register(cdc.SubscriptionConfig{
		Exchange:    "ledger.cdc",
		RoutingKeys: cdc.AllTransferRoutingKeys(),
		Queue:       "q",
	}, NewAccountProjector(repo))
	if err != nil {
		t.Fatalf("register projector: %v", err)
	}
	return registry
}

func testReconciler(repo *memRepo, registry *cdc.Registry) *Reconciler {
	return NewReconciler(repo, registry, nil, ReconcilerConfig{
		ParkedMaxAge: 15 * time.Minute,
		BatchSize:    10,
		BackoffBase:  time.Second,
		BackoffMax:   time.Minute,
	})
}

func TestReconcilerReplaysParkedEventOncePendingLands(t *testing.T) {
	repo := newMemRepo()
	registry := accountRegistry(t, repo)
	projector := NewAccountProjector(repo)
	seedAccounts(t, repo, "101", "102")

	// Pending applied normally; the posted event arrived first and was parked.
	pending := buildEvent(domain.EventTwoPhasePending, domain.TransferACHCredit, "1", "", 500, 100)
	if err := projector.HandleTransferEvent(context.Background(), pending); err != nil {
		t.Fatalf("pending event returned error: %v", err)
	}
	posted := buildEvent(domain.EventTwoPhasePosted, domain.TransferACHCredit, "2", "1", 500, 200)
	parkPayload(t, repo, marshalEvent(t, posted), "2", "1", time.Now().UTC())

	reconciler := testReconciler(repo, registry)
	if err := reconciler.ReplayParkedEvents(context.Background()); err != nil {
		t.Fatalf("ReplayParkedEvents returned error: %v", err)
	}

	record, err := repo.GetTransfer(context.Background(), "1")
	if err != nil {
		t.Fatalf("transfer lookup failed: %v", err)
	}
	if record.Status != domain.TransferStatusPosted {
		t.Errorf("status = %s after replay, want posted", record.Status)
	}
	if count, _ := repo.CountParkedEvents(context.Background()); count != 0 {
		t.Errorf("parked backlog = %d after successful replay, want 0", count)
	}
}

func TestReconcilerReschedulesStillAwaiting(t *testing.T) {
	repo := newMemRepo()
	registry := accountRegistry(t, repo)
	seedAccounts(t, repo, "101", "102")

	// Pending never projected; the parked event is young, so it reschedules.
	posted := buildEvent(domain.EventTwoPhasePosted, domain.TransferACHCredit, "2", "1", 500, 200)
	id := parkPayload(t, repo, marshalEvent(t, posted), "2", "1", time.Now().UTC())

	reconciler := testReconciler(repo, registry)
	if err := reconciler.ReplayParkedEvents(context.Background()); err != nil {
		t.Fatalf("ReplayParkedEvents returned error: %v", err)
	}

	repo.mu.Lock()
	parked, ok := repo.parked[id]
	repo.mu.Unlock()
	if !ok {
		t.Fatal("parked event deleted while still awaiting")
	}
	if parked.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", parked.Attempts)
	}
	if !parked.NextRetryAt.After(time.Now().UTC()) {
		t.Error("next retry not pushed into the future")
	}
	if len(repo.deadLetters) != 0 {
		t.Errorf("dead letters = %d, want 0", len(repo.deadLetters))
	}
}

func TestReconcilerGapAlarmDeadLettersAgedParked(t *testing.T) {
	repo := newMemRepo()
	registry := accountRegistry(t, repo)
	seedAccounts(t, repo, "101", "102")

	posted := buildEvent(domain.EventTwoPhasePosted, domain.TransferACHCredit, "2", "1", 500, 200)
	parkPayload(t, repo, marshalEvent(t, posted), "2", "1", time.Now().UTC().Add(-time.Hour))

	reconciler := testReconciler(repo, registry)
	if err := reconciler.ReplayParkedEvents(context.Background()); err != nil {
		t.Fatalf("ReplayParkedEvents returned error: %v", err)
	}

	if count, _ := repo.CountParkedEvents(context.Background()); count != 0 {
		t.Errorf("parked backlog = %d after gap alarm, want 0", count)
	}
	if len(repo.deadLetters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(repo.deadLetters))
	}
	if !strings.Contains(repo.deadLetters[0].Reason, "gap") {
		t.Errorf("dead-letter reason %q does not name the gap", repo.deadLetters[0].Reason)
	}
}

func TestReconcilerDeadLettersCorruptParkedPayload(t *testing.T) {
	repo := newMemRepo()
	registry := accountRegistry(t, repo)

	parkPayload(t, repo, []byte(`{"type":`), "2", "1", time.Now().UTC())

	reconciler := testReconciler(repo, registry)
	if err := reconciler.ReplayParkedEvents(context.Background()); err != nil {
		t.Fatalf("ReplayParkedEvents returned error: %v", err)
	}

	if count, _ := repo.CountParkedEvents(context.Background()); count != 0 {
		t.Errorf("parked backlog = %d, want 0", count)
	}
	if len(repo.deadLetters) != 1 {
		t.Errorf("dead letters = %d, want 1", len(repo.deadLetters))
	}
}

func TestReconcilerExpiresOverduePendings(t *testing.T) {
	repo := newMemRepo()
	registry := accountRegistry(t, repo)
	projector := NewAccountProjector(repo)
	payments := NewPaymentProjector(repo)
	seedAccounts(t, repo, "101", "102")

	// A pending whose ledger timeout already elapsed, never resolved.
	overdue := buildEvent(domain.EventTwoPhasePending, domain.TransferACHDebit, "1", "", 500, uint64(time.Now().Add(-2*time.Hour).UnixNano()))
	overdue.Transfer.Timeout = 60
	if err := projector.HandleTransferEvent(context.Background(), overdue); err != nil {
		t.Fatalf("pending event returned error: %v", err)
	}
	if err := payments.HandleTransferEvent(context.Background(), overdue); err != nil {
		t.Fatalf("payment pending returned error: %v", err)
	}

	reconciler := testReconciler(repo, registry)
	if err := reconciler.ExpireOverduePendings(context.Background()); err != nil {
		t.Fatalf("ExpireOverduePendings returned error: %v", err)
	}

	record, _ := repo.GetTransfer(context.Background(), "1")
	if record.Status != domain.TransferStatusExpired {
		t.Errorf("transfer status = %s, want expired", record.Status)
	}
	payment, _ := repo.GetPayment(context.Background(), "1")
	if payment.Status != domain.PaymentStatusExpired {
		t.Errorf("payment status = %s, want expired", payment.Status)
	}
}

func TestReconcilerStartValidatesSchedules(t *testing.T) {
	repo := newMemRepo()
	registry := accountRegistry(t, repo)
	reconciler := NewReconciler(repo, registry, nil, ReconcilerConfig{
		ReplaySchedule: "not a schedule",
	})
	if err := reconciler.Start(); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

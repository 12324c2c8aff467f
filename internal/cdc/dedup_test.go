package cdc

import (
	"context"
	"testing"
	"time"

	"github.com/corebank/ledger-cdc-service/internal/domain"
)

func TestDedupCacheNilIsInert(t *testing.T) {
	var cache *DedupCache

	if cache.AlreadyProcessed(context.Background(), "1", domain.EventSinglePhase) {
		t.Error("nil cache reported an event as processed")
	}
	// Must not panic.
	cache.MarkProcessed(context.Background(), "1", domain.EventSinglePhase)
}

func TestDedupCacheWithoutClientIsInert(t *testing.T) {
	cache := NewDedupCache(nil, "prefix", time.Minute)

	if cache.AlreadyProcessed(context.Background(), "1", domain.EventSinglePhase) {
		t.Error("clientless cache reported an event as processed")
	}
	cache.MarkProcessed(context.Background(), "1", domain.EventSinglePhase)
}

func TestDedupCacheKeyShape(t *testing.T) {
	cache := NewDedupCache(nil, " my_prefix: ", 0)
	got := cache.key("9001", domain.EventTwoPhasePosted)
	want := "my_prefix:9001:two_phase_posted"
	if got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestDedupCacheDefaultsEmptyPrefix(t *testing.T) {
	cache := NewDedupCache(nil, "   ", 0)
	got := cache.key("1", domain.EventSinglePhase)
	want := "ledger_cdc:processed:1:single_phase"
	if got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

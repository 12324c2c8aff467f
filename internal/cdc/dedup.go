package cdc

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corebank/ledger-cdc-service/internal/domain"
)

// DedupCache is an optional Redis cache of recently processed
// (transfer id, event kind) pairs. It lets the dispatcher skip handler
// fan-out for hot duplicate deliveries without a round trip through the
// projection store. Correctness never depends on it: the store's CAS guards
// absorb any duplicate the cache misses, and every cache error fails open.
type DedupCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewDedupCache creates a duplicate-delivery cache with the given key prefix and TTL.
func NewDedupCache(client redis.UniversalClient, prefix string, ttl time.Duration) *DedupCache {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "ledger_cdc:processed"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DedupCache{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (c *DedupCache) key(transferID domain.ID, kind domain.EventKind) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, transferID, kind)
}

// AlreadyProcessed reports whether the event was recently processed.
func (c *DedupCache) AlreadyProcessed(ctx context.Context, transferID domain.ID, kind domain.EventKind) bool {
	if c == nil || c.client == nil {
		return false
	}
	n, err := c.client.Exists(ctx, c.key(transferID, kind)).Result()
	if err != nil {
		log.Printf("level=warn component=dedup_cache msg=\"lookup failed; treating as unseen\" transfer_id=%s err=%v", transferID, err)
		return false
	}
	return n > 0
}

// MarkProcessed records a processed event for the cache TTL.
func (c *DedupCache) MarkProcessed(ctx context.Context, transferID domain.ID, kind domain.EventKind) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Set(ctx, c.key(transferID, kind), 1, c.ttl).Err(); err != nil {
		log.Printf("level=warn component=dedup_cache msg=\"mark failed\" transfer_id=%s err=%v", transferID, err)
	}
}

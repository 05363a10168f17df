package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"IsoLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// VaultLookup resolves an owner's vault at a factory.
type VaultLookup interface {
	VaultByOwner(ctx context.Context, factory, owner common.Address) (common.Address, error)
}

// CachedVaultLookup is a Redis read-through cache in front of a
// VaultLookup. A vault address never changes once created, so entries are
// only ever added; misses are not cached.
type CachedVaultLookup struct {
	primary VaultLookup
	rdb     *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
}

func NewCachedVaultLookup(primary VaultLookup, rdb *redis.Client, ttl time.Duration, metrics *observability.Metrics) *CachedVaultLookup {
	return &CachedVaultLookup{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		metrics: metrics,
	}
}

func vaultKey(factory, owner common.Address) string {
	return fmt.Sprintf("iso:vault:%s:%s", factory.Hex(), owner.Hex())
}

func (c *CachedVaultLookup) VaultByOwner(ctx context.Context, factory, owner common.Address) (common.Address, error) {
	key := vaultKey(factory, owner)
	hex, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		c.record("hit")
		return common.HexToAddress(hex), nil
	case errors.Is(err, redis.Nil):
		c.record("miss")
	default:
		// Redis down: fall through to the primary
		c.record("error")
	}

	vault, err := c.primary.VaultByOwner(ctx, factory, owner)
	if err != nil {
		return common.Address{}, err
	}
	c.rdb.Set(ctx, key, vault.Hex(), c.ttl)
	return vault, nil
}

// Prime caches the vault rows of a committed batch.
func (c *CachedVaultLookup) Prime(ctx context.Context, rows []VaultRow) {
	if len(rows) == 0 {
		return
	}
	pipe := c.rdb.Pipeline()
	for _, r := range rows {
		pipe.Set(ctx, vaultKey(common.HexToAddress(r.Factory), common.HexToAddress(r.Owner)), r.Vault, c.ttl)
	}
	pipe.Exec(ctx)
}

func (c *CachedVaultLookup) record(result string) {
	if c.metrics != nil {
		c.metrics.CacheRequests.WithLabelValues(result).Inc()
	}
}

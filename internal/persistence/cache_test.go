package persistence_test

import (
	"context"
	"testing"
	"time"

	"IsoLedger/internal/persistence"
	"IsoLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLookup struct {
	vaults map[common.Address]common.Address
	calls  int
}

func (c *countingLookup) VaultByOwner(_ context.Context, _, owner common.Address) (common.Address, error) {
	c.calls++
	v, ok := c.vaults[owner]
	if !ok {
		return common.Address{}, persistence.ErrNotFound
	}
	return v, nil
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: testutil.TestRedisAddr()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("test redis not available: %v", err)
	}
	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	return rdb
}

// ============================================================================
// Test: Vault lookup cache (integration)
// ============================================================================

func TestCachedVaultLookup_ReadThrough(t *testing.T) {
	testutil.RequireIntegration(t)
	rdb := redisClient(t)
	ctx := context.Background()

	owner := testutil.Seed
	vault := common.HexToAddress("0xfeed")
	primary := &countingLookup{vaults: map[common.Address]common.Address{owner: vault}}
	cache := persistence.NewCachedVaultLookup(primary, rdb, time.Minute, nil)

	for i := 0; i < 3; i++ {
		got, err := cache.VaultByOwner(ctx, testutil.FactoryAddr, owner)
		require.NoError(t, err)
		assert.Equal(t, vault, got)
	}
	assert.Equal(t, 1, primary.calls)

	_, err := cache.VaultByOwner(ctx, testutil.FactoryAddr, testutil.Bob)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	_, err = cache.VaultByOwner(ctx, testutil.FactoryAddr, testutil.Bob)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.Equal(t, 3, primary.calls, "misses are not cached")
}

func TestCachedVaultLookup_Prime(t *testing.T) {
	testutil.RequireIntegration(t)
	rdb := redisClient(t)
	ctx := context.Background()

	primary := &countingLookup{}
	cache := persistence.NewCachedVaultLookup(primary, rdb, time.Minute, nil)
	cache.Prime(ctx, []persistence.VaultRow{{
		Factory: testutil.FactoryAddr.Hex(),
		Owner:   testutil.Alice.Hex(),
		Vault:   common.HexToAddress("0xbeef").Hex(),
	}})

	got, err := cache.VaultByOwner(ctx, testutil.FactoryAddr, testutil.Alice)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xbeef"), got)
	assert.Equal(t, 0, primary.calls)
}

package pipeline_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhb-labs/loanbridge/internal/chainsender"
	"github.com/nhb-labs/loanbridge/internal/pipeline"
	"github.com/nhb-labs/loanbridge/internal/testutil"
)

// TestNonceStress: signer initialised at 10, 100 concurrent withNonce
// calls each resolving after a random delay.
// The committed nonce set must equal {10..109} and the provider's pending
// count is read exactly once.
func TestNonceStress(t *testing.T) {
	db := testutil.NewDB(t)
	var pendingCalls int
	var mu sync.Mutex
	sender := &chainsender.FuncSender{
		PendingNonceFn: func(ctx context.Context, signer string) (uint64, error) {
			mu.Lock()
			pendingCalls++
			mu.Unlock()
			return 10, nil
		},
	}
	nm := pipeline.NewNonceManager(db, sender, "signer-a", "chain-1")

	var wg sync.WaitGroup
	var collectMu sync.Mutex
	committed := make(map[uint64]bool)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := nm.WithNonce(context.Background(), func(nonce uint64) error {
				time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
				collectMu.Lock()
				committed[nonce] = true
				collectMu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, committed, 100)
	for n := uint64(10); n < 110; n++ {
		require.True(t, committed[n], "nonce %d should have been committed", n)
	}
	require.Equal(t, 1, pendingCalls, "provider's pending count must be read exactly once")
}

// TestNonceRollback: signer at 5, the first withNonce rejects, and the
// next two calls observe 5 then 6.
func TestNonceRollback(t *testing.T) {
	db := testutil.NewDB(t)
	sender := &chainsender.FuncSender{
		PendingNonceFn: func(ctx context.Context, signer string) (uint64, error) { return 5, nil },
	}
	nm := pipeline.NewNonceManager(db, sender, "signer-b", "chain-1")

	err := nm.WithNonce(context.Background(), func(nonce uint64) error {
		require.Equal(t, uint64(5), nonce)
		return fmt.Errorf("rpc down")
	})
	require.Error(t, err)

	var second uint64
	require.NoError(t, nm.WithNonce(context.Background(), func(nonce uint64) error {
		second = nonce
		return nil
	}))
	require.Equal(t, uint64(5), second, "rollback: next caller reuses the same nonce")

	var third uint64
	require.NoError(t, nm.WithNonce(context.Background(), func(nonce uint64) error {
		third = nonce
		return nil
	}))
	require.Equal(t, uint64(6), third)
}

func TestNonceReconcileAbortsOnLargeDrift(t *testing.T) {
	db := testutil.NewDB(t)
	sender := &chainsender.FuncSender{
		PendingNonceFn: func(ctx context.Context, signer string) (uint64, error) { return 100, nil },
	}
	nm := pipeline.NewNonceManager(db, sender, "signer-c", "chain-1")
	err := nm.Reconcile(context.Background())
	require.NoError(t, err) // no stored record yet: adopts rpc value, no drift to compare

	// Seed a durable record far from the provider's view and reconcile a
	// fresh manager against it.
	nm2 := pipeline.NewNonceManager(db, &chainsender.FuncSender{
		PendingNonceFn: func(ctx context.Context, signer string) (uint64, error) { return 1, nil },
	}, "signer-c", "chain-1")
	err = nm2.Reconcile(context.Background())
	require.ErrorIs(t, err, pipeline.ErrNonceDriftTooLarge)
}

func TestNonceResyncForcesProviderReread(t *testing.T) {
	db := testutil.NewDB(t)
	var calls int
	sender := &chainsender.FuncSender{
		PendingNonceFn: func(ctx context.Context, signer string) (uint64, error) {
			calls++
			return 7, nil
		},
	}
	nm := pipeline.NewNonceManager(db, sender, "signer-d", "chain-1")

	require.NoError(t, nm.WithNonce(context.Background(), func(nonce uint64) error { return nil }))
	require.Equal(t, 1, calls)

	require.NoError(t, nm.WithNonce(context.Background(), func(nonce uint64) error { return nil }))
	require.Equal(t, 1, calls, "without resync the provider is not queried again")

	nm.Resync()
	require.NoError(t, nm.WithNonce(context.Background(), func(nonce uint64) error { return nil }))
	require.Equal(t, 2, calls, "resync forces the next call to re-read from the provider")
}

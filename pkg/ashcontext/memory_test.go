package ashcontext

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateGeneratesEntropy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.Create(ctx, "POST /api/orders", time.Minute, ModeStrict)
	require.NoError(t, err)
	b, err := s.Create(ctx, "POST /api/orders", time.Minute, ModeStrict)
	require.NoError(t, err)

	require.NotEqual(t, a.ID, b.ID)
	require.Len(t, a.Nonce, 64) // 256 bits hex
	require.NotEqual(t, a.Nonce, b.Nonce)
	require.Nil(t, a.ConsumedAt)
	require.Greater(t, a.ExpiresAt, a.IssuedAt)
}

func TestMemoryStore_MinimalModeHasNoNonce(t *testing.T) {
	s := NewMemoryStore()
	c, err := s.Create(context.Background(), "GET /ping", time.Minute, ModeMinimal)
	require.NoError(t, err)
	require.Empty(t, c.Nonce)
}

func TestMemoryStore_RejectsUnknownMode(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Create(context.Background(), "GET /ping", time.Minute, Mode("paranoid"))
	require.ErrorIs(t, err, ErrInvalidMode)
}

func TestMemoryStore_GetTreatsExpiredAsAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c, err := s.Create(ctx, "POST /a", 10*time.Millisecond, ModeBalanced)
	require.NoError(t, err)

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Shift the clock past expiry; the entry is still physically present.
	s.now = func() time.Time { return time.UnixMilli(c.ExpiresAt + 1) }
	got, err = s.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMemoryStore_ConsumeExactlyOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c, err := s.Create(ctx, "POST /a", time.Minute, ModeBalanced)
	require.NoError(t, err)

	out, err := s.Consume(ctx, c.ID, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Equal(t, Consumed, out)

	out, err = s.Consume(ctx, c.ID, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Equal(t, AlreadyConsumed, out)

	out, err = s.Consume(ctx, "ashc_missing", time.Now().UnixMilli())
	require.NoError(t, err)
	require.Equal(t, Missing, out)
}

func TestMemoryStore_ConsumeSingleWinnerUnderRace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c, err := s.Create(ctx, "POST /a", time.Minute, ModeBalanced)
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	outcomes := make([]ConsumeOutcome, n)
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = s.Consume(ctx, c.ID, time.Now().UnixMilli())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	wins := 0
	for _, out := range outcomes {
		switch out {
		case Consumed:
			wins++
		case AlreadyConsumed:
		default:
			t.Fatalf("unexpected outcome %v", out)
		}
	}
	require.Equal(t, 1, wins, "exactly one concurrent consumer must win")
}

func TestMemoryStore_CleanupRemovesOnlyExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	short, err := s.Create(ctx, "POST /a", time.Millisecond, ModeMinimal)
	require.NoError(t, err)
	long, err := s.Create(ctx, "POST /a", time.Hour, ModeMinimal)
	require.NoError(t, err)

	removed, err := s.Cleanup(ctx, short.ExpiresAt+1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	got, err := s.Get(ctx, long.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

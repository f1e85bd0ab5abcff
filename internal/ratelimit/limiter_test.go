package ratelimit

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/kfetch/internal/clock"
	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/storage"
	"github.com/goodtune/kfetch/internal/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mid-hour start so small advances stay inside one window.
var start = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func newLimiter(t *testing.T) (*Limiter, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(start)
	return New(memory.New(0).Windows(), clk, zerolog.New(io.Discard)), clk
}

func TestWindow(t *testing.T) {
	assert.Equal(t, int64(0), Window(time.Unix(3599, 0)))
	assert.Equal(t, int64(1), Window(time.Unix(3600, 0)))
	assert.Equal(t, int64(-1), Window(time.Unix(-1, 0)))
	assert.Equal(t, time.Unix(7200, 0), WindowStart(2))
}

func TestAdmit_LimitWithinOneHour(t *testing.T) {
	for _, limit := range []int{1, 3, 10} {
		l, _ := newLimiter(t)
		ctx := context.Background()
		user := media.UserID("u")

		for i := 0; i < limit; i++ {
			assert.True(t, l.Admit(ctx, user, limit), "call %d of %d", i+1, limit)
		}
		assert.False(t, l.Admit(ctx, user, limit))
		assert.False(t, l.Admit(ctx, user, limit), "denied calls do not count")
	}
}

func TestAdmit_NextHourResets(t *testing.T) {
	l, clk := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.True(t, l.Admit(ctx, "u", 2))
	}
	require.False(t, l.Admit(ctx, "u", 2))

	clk.Advance(time.Hour)
	assert.True(t, l.Admit(ctx, "u", 2))

	q, err := l.Quota(ctx, "u", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Used)
	assert.Equal(t, 1, q.Remaining)
}

func TestAdmit_BurstAcrossBoundary(t *testing.T) {
	l, clk := newLimiter(t)
	ctx := context.Background()
	clk.Set(time.Date(2026, 5, 4, 10, 59, 59, 0, time.UTC))

	admitted := 0
	for i := 0; i < 5; i++ {
		if l.Admit(ctx, "u", 5) {
			admitted++
		}
	}
	clk.Advance(2 * time.Second)
	for i := 0; i < 6; i++ {
		if l.Admit(ctx, "u", 5) {
			admitted++
		}
	}
	assert.Equal(t, 10, admitted)
}

func TestAdmit_Unlimited(t *testing.T) {
	l, _ := newLimiter(t)
	for i := 0; i < 100; i++ {
		require.True(t, l.Admit(context.Background(), "u", 0))
	}
}

func TestAdmit_ConcurrentSameUser(t *testing.T) {
	l, _ := newLimiter(t)
	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit(context.Background(), "u", 10) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())
}

type failingStore struct{ storage.WindowStore }

func (failingStore) Admit(context.Context, string, int64, int) (bool, int, error) {
	return false, 0, errors.New("connection refused")
}

func TestAdmit_FailsOpen(t *testing.T) {
	l := New(failingStore{}, clock.NewFake(start), zerolog.New(io.Discard))
	assert.True(t, l.Admit(context.Background(), "u", 1))
	assert.True(t, l.Admit(context.Background(), "u", 1))
}

func TestQuota_ResetAt(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	q, err := l.Quota(ctx, "new", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, q.Remaining)
	assert.True(t, q.ResetAt.Equal(time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)))
}

func TestPrune(t *testing.T) {
	l, clk := newLimiter(t)
	ctx := context.Background()

	require.True(t, l.Admit(ctx, "a", 5))
	clk.Advance(time.Hour)
	require.True(t, l.Admit(ctx, "b", 5))

	n, err := l.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

package tokenbucket

import (
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/aegis/pkg/clock"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func newTestBucket(t *testing.T, cfg Config, clk *clock.Mock, opts ...Option) *Bucket {
	t.Helper()
	b, err := New(cfg, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	return b
}

func TestBucket_BasicThrottling(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBucket(t, Config{Capacity: 5, RefillRate: 1}, clk)

	for i := 0; i < 5; i++ {
		assert.True(t, b.Consume(1), "consume %d should succeed", i+1)
	}
	assert.False(t, b.Consume(1), "6th consume should fail")

	clk.Advance(1000 * time.Millisecond)
	assert.True(t, b.Consume(1), "consume after refill should succeed")
	assert.False(t, b.Consume(1))
}

func TestBucket_Conservation(t *testing.T) {
	property := func(capacity, burst uint8, amounts []uint8) bool {
		clk := clock.NewMock(epoch)
		cfg := Config{Capacity: int(capacity%50) + 1, RefillRate: 1, BurstAllowance: int(burst % 20)}
		b, err := New(cfg, WithClock(clk))
		if err != nil {
			return false
		}

		consumed := 0
		for _, a := range amounts {
			n := int(a%5) + 1
			if b.Consume(n) {
				consumed += n
			}
			st := b.State()
			if st.Tokens < 0 || st.BurstTokensUsed < 0 || st.BurstTokensUsed > cfg.BurstAllowance {
				return false
			}
		}
		return consumed <= cfg.Capacity+cfg.BurstAllowance
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 500}))
}

func TestBucket_RefillMonotonicity(t *testing.T) {
	cases := []struct {
		name     string
		capacity int
		rate     float64
		interval time.Duration
		initial  int
		steps    int
	}{
		{"ten per second", 100, 10, 100 * time.Millisecond, 20, 7},
		{"two per second", 50, 2, 500 * time.Millisecond, 0, 9},
		{"five per second", 30, 5, 200 * time.Millisecond, 3, 40},
		{"one per second capped", 5, 1, time.Second, 2, 10},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, stepwise := range []bool{false, true} {
				clk := clock.NewMock(epoch)
				b := newTestBucket(t, Config{
					Capacity:       tc.capacity,
					RefillRate:     tc.rate,
					RefillInterval: tc.interval,
					InitialTokens:  intPtr(tc.initial),
				}, clk)

				if stepwise {
					for i := 0; i < tc.steps; i++ {
						clk.Advance(tc.interval)
						b.Refill()
					}
				} else {
					clk.Advance(time.Duration(tc.steps) * tc.interval)
					b.Refill()
				}

				earned := float64(tc.steps) * tc.rate * tc.interval.Seconds()
				want := min(tc.capacity, tc.initial+int(earned+1e-9))
				assert.Equal(t, want, b.State().Tokens, "stepwise=%v", stepwise)
			}
		})
	}
}

func TestBucket_RefillCarriesFractionalCredit(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBucket(t, Config{Capacity: 10, RefillRate: 1, InitialTokens: intPtr(0)}, clk)

	for i := 0; i < 10; i++ {
		clk.Advance(300 * time.Millisecond)
		b.Refill()
	}
	assert.Equal(t, 3, b.State().Tokens)
}

func TestBucket_BurstAllowance(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBucket(t, Config{Capacity: 2, RefillRate: 10, BurstAllowance: 2}, clk)

	for i := 0; i < 4; i++ {
		require.True(t, b.Consume(1))
	}
	assert.False(t, b.Consume(1))

	st := b.State()
	assert.Equal(t, 0, st.Tokens)
	assert.Equal(t, 2, st.BurstTokensUsed)

	clk.Advance(time.Second)
	b.Refill()
	st = b.State()
	assert.Equal(t, 2, st.Tokens)
	assert.Equal(t, 1, st.BurstTokensUsed, "10 credits restore one burst credit")
}

func TestBucket_BurstRecoversSlowly(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBucket(t, Config{Capacity: 5, RefillRate: 1, BurstAllowance: 5}, clk)
	require.True(t, b.Consume(10))
	require.Equal(t, 5, b.State().BurstTokensUsed)

	for i := 1; i < 10; i++ {
		clk.Advance(time.Second)
		b.Refill()
		assert.Equal(t, 5, b.State().BurstTokensUsed, "after %d credits", i)
	}
	assert.Equal(t, 5, b.State().Tokens)

	clk.Advance(time.Second)
	b.Refill()
	assert.Equal(t, 4, b.State().BurstTokensUsed, "10 refilled credits restore exactly one burst credit")

	for range 10 {
		clk.Advance(time.Second)
		b.Refill()
	}
	assert.Equal(t, 3, b.State().BurstTokensUsed)
}

func TestBucket_ConsumeDrawsTokensBeforeBurst(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBucket(t, Config{Capacity: 3, RefillRate: 1, BurstAllowance: 5}, clk)

	require.True(t, b.Consume(5))
	st := b.State()
	assert.Equal(t, 0, st.Tokens)
	assert.Equal(t, 2, st.BurstTokensUsed)
}

func TestBucket_HighRejectionHook(t *testing.T) {
	clk := clock.NewMock(epoch)
	var fired []Stats
	b := newTestBucket(t, Config{Capacity: 1, RefillRate: 1}, clk,
		WithHighRejectionHook(func(s Stats) { fired = append(fired, s) }))

	require.True(t, b.Consume(1))
	require.False(t, b.Consume(1))
	assert.Empty(t, fired, "rate of exactly 50% does not fire")

	require.False(t, b.Consume(1))
	require.Len(t, fired, 1)
	assert.InDelta(t, 2.0/3.0, fired[0].RejectionRate, 1e-9)
}

func TestBucket_StatsHealth(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBucket(t, Config{Capacity: 1, RefillRate: 1}, clk)

	b.Consume(1)
	for i := 0; i < 8; i++ {
		b.Consume(1)
	}
	st := b.Stats()
	assert.Equal(t, int64(9), st.TotalRequests)
	assert.Equal(t, int64(8), st.RejectedRequests)
	assert.True(t, st.IsHealthy)

	for i := 0; i < 20; i++ {
		b.Consume(1)
	}
	assert.False(t, b.Stats().IsHealthy)
}

func TestBucket_AddTokensAndReset(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBucket(t, Config{Capacity: 5, RefillRate: 1, InitialTokens: intPtr(1)}, clk)

	b.AddTokens(10)
	assert.Equal(t, 5, b.Remaining())

	b.Consume(3)
	b.Reset()
	st := b.State()
	assert.Equal(t, 1, st.Tokens)
	assert.Zero(t, st.TotalRequests)
	assert.Zero(t, st.RejectedRequests)
}

func TestBucket_UpdateConfigClampsTokens(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBucket(t, Config{Capacity: 10, RefillRate: 1, BurstAllowance: 4}, clk)
	require.True(t, b.Consume(12))

	capacity, burst := 3, 1
	require.NoError(t, b.UpdateConfig(Patch{Capacity: &capacity, BurstAllowance: &burst}))
	st := b.State()
	assert.LessOrEqual(t, st.Tokens, 3)
	assert.Equal(t, 1, st.BurstTokensUsed)

	zero := 0
	assert.Error(t, b.UpdateConfig(Patch{Capacity: &zero}))
	assert.Equal(t, 3, b.Config().Capacity)
}

func TestBucket_ClosedIsSafe(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBucket(t, Config{Capacity: 5, RefillRate: 1}, clk)
	b.Close()
	b.Close()

	assert.False(t, b.Consume(1))
	assert.True(t, b.Stats().Closed)
	assert.ErrorIs(t, b.UpdateConfig(Patch{}), ErrClosed)
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{Capacity: 1, RefillRate: 1}, true},
		{"zero capacity", Config{Capacity: 0, RefillRate: 1}, false},
		{"zero rate", Config{Capacity: 1}, false},
		{"negative burst", Config{Capacity: 1, RefillRate: 1, BurstAllowance: -1}, false},
		{"initial above capacity", Config{Capacity: 1, RefillRate: 1, InitialTokens: intPtr(2)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

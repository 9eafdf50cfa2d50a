package circuitbreaker

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/aegis/pkg/clock"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestBreaker(t *testing.T, cfg Config, clk *clock.Mock) *Breaker {
	t.Helper()
	b, err := New("test", cfg, WithClock(clk))
	require.NoError(t, err)
	return b
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBreaker(t, Config{FailureThreshold: 3, RecoveryTimeout: 1000 * time.Millisecond}, clk)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.IsRequestAllowed())
	assert.Equal(t, time.Second, b.GetRetryAfter())

	clk.Advance(1000 * time.Millisecond)
	assert.True(t, b.IsRequestAllowed())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Zero(t, b.GetRetryAfter())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.IsRequestAllowed())
}

func TestBreaker_HalfOpenClosesAfterTrialSuccesses(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBreaker(t, Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 2}, clk)

	b.RecordFailure()
	clk.Advance(time.Second)

	require.True(t, b.IsRequestAllowed())
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	require.True(t, b.IsRequestAllowed())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().Failures)
}

func TestBreaker_HalfOpenAdmitsAtMostMaxCalls(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBreaker(t, Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 3}, clk)

	b.RecordFailure()
	clk.Advance(time.Second)

	admitted := 0
	for i := 0; i < 10; i++ {
		if b.IsRequestAllowed() {
			admitted++
		}
	}
	assert.Equal(t, 3, admitted)
	assert.Equal(t, 3, b.Stats().HalfOpenCalls)
}

func TestBreaker_StaysOpenWithoutPolling(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBreaker(t, Config{FailureThreshold: 1, RecoveryTimeout: time.Second}, clk)

	b.RecordFailure()
	clk.Advance(time.Hour)

	st := b.Stats()
	assert.Equal(t, StateOpen, st.State)
	assert.True(t, st.RecoveryDue)
}

func TestBreaker_SuccessDecaysFailures(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBreaker(t, Config{FailureThreshold: 3, RecoveryTimeout: time.Second}, clk)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 1, b.Stats().Failures)

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Stats().Failures)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_IsHealthy(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBreaker(t, Config{FailureThreshold: 2, RecoveryTimeout: 5 * time.Second}, clk)

	assert.True(t, b.IsHealthy())

	b.IsRequestAllowed()
	b.RecordFailure()
	b.IsRequestAllowed()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.IsHealthy(), "open, 5s left, 100% failures")

	clk.Advance(4500 * time.Millisecond)
	assert.True(t, b.IsHealthy(), "less than a second left")
}

func TestBreaker_ListenersAndPanics(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBreaker(t, Config{FailureThreshold: 1, RecoveryTimeout: time.Second}, clk)

	var seen []Transition
	b.Subscribe(func(Transition) { panic("boom") })
	unsubscribe := b.Subscribe(func(tr Transition) { seen = append(seen, tr) })

	b.RecordFailure()
	clk.Advance(time.Second)
	b.IsRequestAllowed()

	require.Len(t, seen, 2)
	assert.Equal(t, StateClosed, seen[0].From)
	assert.Equal(t, StateOpen, seen[0].To)
	assert.Equal(t, StateHalfOpen, seen[1].To)
	assert.Equal(t, StateHalfOpen, b.State(), "listener panic leaves state intact")

	unsubscribe()
	unsubscribe()
	b.RecordFailure()
	assert.Len(t, seen, 2)
}

func TestBreaker_Reset(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBreaker(t, Config{FailureThreshold: 1, RecoveryTimeout: time.Minute}, clk)

	var seen []Transition
	b.Subscribe(func(tr Transition) { seen = append(seen, tr) })

	b.RecordFailure()
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.IsRequestAllowed())
	require.Len(t, seen, 2)
	assert.Equal(t, StateClosed, seen[1].To)
}

func TestBreaker_ClosedIsSafe(t *testing.T) {
	clk := clock.NewMock(epoch)
	b := newTestBreaker(t, Config{}, clk)
	b.Close()
	b.Close()

	assert.False(t, b.IsRequestAllowed())
	b.RecordFailure()
	b.RecordSuccess()
	assert.True(t, b.Stats().Closed)
	assert.Zero(t, b.GetRetryAfter())
	assert.ErrorIs(t, b.UpdateConfig(Config{}), ErrClosed)
}

// Every observed transition must be one of the edges of the state machine,
// and half-open trial calls never exceed the configured maximum.
func TestBreaker_TransitionClosure(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateClosed, StateOpen}:     true,
		{StateOpen, StateHalfOpen}:   true,
		{StateHalfOpen, StateClosed}: true,
		{StateHalfOpen, StateOpen}:   true,
	}

	property := func(seed int64, threshold, maxCalls uint8) bool {
		rng := rand.New(rand.NewSource(seed))
		clk := clock.NewMock(epoch)
		cfg := Config{
			FailureThreshold: int(threshold%5) + 1,
			RecoveryTimeout:  time.Second,
			HalfOpenMaxCalls: int(maxCalls%4) + 1,
		}
		b, err := New("prop", cfg, WithClock(clk))
		if err != nil {
			return false
		}

		ok := true
		b.Subscribe(func(tr Transition) {
			if !allowed[[2]State{tr.From, tr.To}] {
				ok = false
			}
		})

		for i := 0; i < 200 && ok; i++ {
			switch rng.Intn(4) {
			case 0:
				b.IsRequestAllowed()
			case 1:
				b.RecordSuccess()
			case 2:
				b.RecordFailure()
			case 3:
				clk.Advance(time.Duration(rng.Intn(1500)) * time.Millisecond)
			}
			st := b.Stats()
			if st.HalfOpenCalls > cfg.HalfOpenMaxCalls {
				return false
			}
			if st.State != StateHalfOpen && st.HalfOpenCalls != 0 {
				return false
			}
			if st.State != StateOpen && st.RetryAfter != 0 {
				return false
			}
		}
		return ok
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 300}))
}

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultFailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, DefaultRecoveryTimeout, cfg.RecoveryTimeout)
	assert.Equal(t, DefaultHalfOpenMaxCalls, cfg.HalfOpenMaxCalls)
	assert.NoError(t, cfg.Validate())

	assert.Error(t, Config{FailureThreshold: 0, HalfOpenMaxCalls: 1}.Validate())
	assert.Error(t, Config{FailureThreshold: 1, RecoveryTimeout: -1, HalfOpenMaxCalls: 1}.Validate())
}

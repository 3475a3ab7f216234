package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("busy"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("still busy"), 500)
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastRetry(5), func(_ context.Context) error {
		calls++
		return NewPermanentError(errors.New("bad request"), 400)
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDo_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: 20 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}

	calls := 0
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("fail"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ShouldRetryOverride(t *testing.T) {
	t.Parallel()

	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "again" }

	calls := 0
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("again")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_OnRetryAttempts(t *testing.T) {
	t.Parallel()

	var attempts []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("fail"), 500)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal(t *testing.T) {
	t.Parallel()

	calls := 0
	val, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", NewTransientError(errors.New("fail"), 429)
		}
		return "enriched", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "enriched", val)

	n, err := DoVal(context.Background(), fastRetry(2), func(_ context.Context) (int, error) {
		return 42, NewTransientError(errors.New("fail"), 500)
	})
	require.Error(t, err)
	assert.Zero(t, n)
}

func TestComputeBackoff(t *testing.T) {
	t.Parallel()

	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
	})

	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, computeBackoff(i, cfg), "attempt %d", i)
	}

	cfg.JitterFraction = 0.5
	for i := 0; i < 50; i++ {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestFromRetryConfig(t *testing.T) {
	t.Parallel()

	cfg := FromRetryConfig(5, 250, 2000)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.MaxBackoff)

	def := FromRetryConfig(0, 0, 0)
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, def.MaxAttempts)
	assert.Equal(t, DefaultRetryConfig().InitialBackoff, def.InitialBackoff)
}

func TestRetryLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	RetryLogger(zap.New(core), "enrich_row")(2, errors.New("rate limited"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "retrying operation", entry.Message)
	assert.Equal(t, "enrich_row", entry.ContextMap()["operation"])
	assert.EqualValues(t, 2, entry.ContextMap()["attempt"])
}

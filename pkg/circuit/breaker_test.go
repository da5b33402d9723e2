package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Name:             "dashboard",
		FailureThreshold: 2,
		SuccessThreshold: 2,
		OpenTimeout:      20 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	b := New(testConfig(), nil)
	require.Equal(t, Closed, b.State())
}

func TestBreakerTripsAfterThresholdFailures(t *testing.T) {
	b := New(testConfig(), nil)
	boom := errors.New("boom")

	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	require.Equal(t, Closed, b.State())

	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	require.Equal(t, Open, b.State())
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b := New(testConfig(), nil)
	boom := errors.New("boom")
	b.Execute(func() error { return boom })
	b.Execute(func() error { return boom })
	require.Equal(t, Open, b.State())

	var ranFn bool
	err := b.Execute(func() error { ranFn = true; return nil })
	require.Error(t, err)
	require.False(t, ranFn)
	var openErr *ErrOpen
	require.ErrorAs(t, err, &openErr)
}

func TestBreakerProbesHalfOpenAfterTimeout(t *testing.T) {
	cfg := testConfig()
	b := New(cfg, nil)
	boom := errors.New("boom")
	b.Execute(func() error { return boom })
	b.Execute(func() error { return boom })
	require.Equal(t, Open, b.State())

	time.Sleep(cfg.OpenTimeout + 5*time.Millisecond)

	require.NoError(t, b.Execute(func() error { return nil }))
	require.Equal(t, HalfOpen, b.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cfg := testConfig()
	cfg.HalfOpenMaxCalls = 2
	cfg.SuccessThreshold = 2
	b := New(cfg, nil)
	boom := errors.New("boom")
	b.Execute(func() error { return boom })
	b.Execute(func() error { return boom })
	time.Sleep(cfg.OpenTimeout + 5*time.Millisecond)

	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	require.Equal(t, Open, b.State())
}

func TestBreakerClosesAfterEnoughHalfOpenProbes(t *testing.T) {
	cfg := testConfig()
	cfg.HalfOpenMaxCalls = 2
	cfg.SuccessThreshold = 2
	b := New(cfg, nil)
	boom := errors.New("boom")
	b.Execute(func() error { return boom })
	b.Execute(func() error { return boom })
	time.Sleep(cfg.OpenTimeout + 5*time.Millisecond)

	require.NoError(t, b.Execute(func() error { return nil }))
	require.Equal(t, HalfOpen, b.State())
	require.NoError(t, b.Execute(func() error { return nil }))
	require.Equal(t, Closed, b.State())
}

func TestBreakerResetForcesClosed(t *testing.T) {
	b := New(testConfig(), nil)
	boom := errors.New("boom")
	b.Execute(func() error { return boom })
	b.Execute(func() error { return boom })
	require.Equal(t, Open, b.State())

	b.Reset()
	require.Equal(t, Closed, b.State())
	require.Zero(t, b.Stats().Failures)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	b := New(testConfig(), nil)
	var transitions []string
	b.SetStateChangeCallback(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})
	boom := errors.New("boom")
	b.Execute(func() error { return boom })
	b.Execute(func() error { return boom })
	require.Equal(t, []string{"closed->open"}, transitions)
}

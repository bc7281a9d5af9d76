package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSink = errors.New("sink unavailable")

func testConfig() Config {
	return Config{
		Name:      "test",
		MaxProbes: 1,
		Interval:  0,
		Cooldown:  20 * time.Millisecond,
		TripAfter: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	}
}

func TestClosedPassesThrough(t *testing.T) {
	b := New(testConfig())

	require.Equal(t, StateClosed, b.State())

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().Successes)
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(testConfig())

	for i := 0; i < 3; i++ {
		err := b.Do(func() error { return errSink })
		require.ErrorIs(t, err, errSink)
	}
	require.Equal(t, StateOpen, b.State())

	// While open, deliveries are shed without invoking fn.
	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(testConfig())

	require.Error(t, b.Do(func() error { return errSink }))
	require.Error(t, b.Do(func() error { return errSink }))
	require.NoError(t, b.Do(func() error { return nil }))
	require.Error(t, b.Do(func() error { return errSink }))
	require.Error(t, b.Do(func() error { return errSink }))

	// Never saw three in a row.
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	b := New(testConfig())

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errSink })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// A successful probe closes the breaker.
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(testConfig())

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errSink })
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.ErrorIs(t, b.Do(func() error { return errSink }), errSink)
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenProbeBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProbes = 1
	b := New(cfg)

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errSink })
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// Hold one probe slot open, then try a second delivery.
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			<-release
			return nil
		})
	}()

	// Wait for the probe to occupy its slot.
	deadline := time.Now().Add(time.Second)
	for b.Counts().Attempts == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	assert.ErrorIs(t, b.Allow(), ErrTooManyProbes)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	}
	b := New(cfg)

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errSink })
	}
	time.Sleep(30 * time.Millisecond)
	b.Do(func() error { return nil })

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestPanicCountsAsFailure(t *testing.T) {
	b := New(testConfig())

	func() {
		defer func() { recover() }()
		b.Do(func() error { panic("boom") })
	}()

	assert.Equal(t, uint32(1), b.Counts().ConsecutiveFailures)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("alerts")
	assert.Equal(t, "alerts", cfg.Name)
	assert.True(t, cfg.TripAfter(Counts{ConsecutiveFailures: 3}))
	assert.False(t, cfg.TripAfter(Counts{ConsecutiveFailures: 2}))
}

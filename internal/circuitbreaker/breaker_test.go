package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *clock) {
	b := New(threshold, open)
	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	b.now = c.now
	return b, c
}

var errDown = errors.New("connection refused")

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("hooks.example.com")
	b.RecordFailure("hooks.example.com")
	if !b.Allow("hooks.example.com") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("hooks.example.com")
	if b.Allow("hooks.example.com") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("hooks.example.com") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("hooks.example.com"))
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)

	b.RecordFailure("k")
	b.RecordFailure("k")
	clk.advance(59 * time.Second)
	require.False(t, b.Allow("k"), "still cooling down")

	clk.advance(time.Second)
	require.True(t, b.Allow("k"), "one probe after the cool-down")
	assert.Equal(t, StateHalfOpen, b.State("k"))
	assert.False(t, b.Allow("k"), "only one probe at a time")

	b.RecordSuccess("k")
	assert.Equal(t, StateClosed, b.State("k"))
	assert.True(t, b.Allow("k"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)

	b.RecordFailure("k")
	b.RecordFailure("k")
	clk.advance(time.Minute)
	require.True(t, b.Allow("k"))

	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"))

	clk.advance(30 * time.Second)
	assert.False(t, b.Allow("k"), "cool-down restarts from the failed probe")
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	if !b.Allow("k") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure("a")
	b.RecordFailure("a")
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	calls := 0
	fail := func() error { calls++; return errDown }

	assert.ErrorIs(t, b.Do("k", fail), errDown)
	assert.ErrorIs(t, b.Do("k", fail), errDown)
	assert.ErrorIs(t, b.Do("k", fail), ErrOpen)
	assert.Equal(t, 2, calls, "an open circuit does not call through")
}

func TestBreaker_DoIgnoresUncountedErrors(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	rejected := errors.New("410 gone")
	b.CountFailures(func(err error) bool { return err != nil && !errors.Is(err, rejected) })

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do("k", func() error { return rejected }), rejected)
	}
	assert.Equal(t, StateClosed, b.State("k"))

	_ = b.Do("k", func() error { return errDown })
	assert.Equal(t, StateOpen, b.State("k"))
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	got := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		got <- [2]State{from, to}
	})

	b.RecordFailure("k")
	b.RecordFailure("k")

	select {
	case tr := <-got:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, tr)
	case <-time.After(time.Second):
		t.Fatal("transition callback not called")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_Attempts(t *testing.T) {
	transient := errors.New("transient")
	tests := []struct {
		name      string
		max       int
		failUntil int // calls before success; -1 never succeeds
		wantCalls int
		wantErr   bool
	}{
		{"first attempt", 3, 0, 1, false},
		{"succeeds on third", 3, 2, 3, false},
		{"exhausted", 3, -1, 3, true},
		{"zero max rounds up", 0, 0, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Do(context.Background(), tt.max, time.Millisecond, func() error {
				calls++
				if tt.failUntil < 0 || calls <= tt.failUntil {
					return transient
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr && !errors.Is(err, transient) {
				t.Fatalf("expected transient error, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	rejected := errors.New("410 gone")
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(rejected)
	})
	if !errors.Is(err, rejected) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if !IsPermanent(err) {
		t.Fatal("permanent marker should survive Do")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		calls.Add(1)
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c := calls.Load(); c > 3 {
		t.Fatalf("expected at most 3 calls, got %d", c)
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	if IsPermanent(errors.New("plain")) {
		t.Fatal("plain error is not permanent")
	}
}

func TestBackoff(t *testing.T) {
	base, max := 10*time.Second, 5*time.Minute
	within := func(d, want time.Duration) bool {
		return d >= want-want/4 && d <= want+want/4
	}

	if d := Backoff(1, base, max); !within(d, base) {
		t.Fatalf("attempt 1: %v not within 25%% of %v", d, base)
	}
	if d := Backoff(3, base, max); !within(d, 40*time.Second) {
		t.Fatalf("attempt 3: %v not within 25%% of 40s", d)
	}
	if d := Backoff(20, base, max); !within(d, max) {
		t.Fatalf("attempt 20: %v should be capped near %v", d, max)
	}
	if d := Backoff(0, base, max); !within(d, base) {
		t.Fatalf("attempt 0 treated as first: got %v", d)
	}
}

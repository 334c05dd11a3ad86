package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", true, func(context.Context) error { return nil })
	r.Register("redis", false, func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 || statuses[0].Name != "database" || statuses[1].Name != "redis" {
		t.Fatalf("expected statuses in registration order, got %+v", statuses)
	}
}

func TestRegistryCriticalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("database", true, func(context.Context) error { return errors.New("connection refused") })
	r.Register("redis", false, func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("a failing critical check should make the registry unhealthy")
	}
	if statuses[0].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[0].Detail)
	}
}

func TestRegistryNonCriticalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("redis", false, func(context.Context) error { return errors.New("timeout") })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("a failing non-critical check should not make the registry unhealthy")
	}
	if statuses[0].Healthy {
		t.Fatal("the failing check should still be reported")
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("a check that times out is unhealthy")
	}
	if time.Since(start) > time.Second {
		t.Fatal("check was not bounded by the timeout")
	}
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestPingAndRunning(t *testing.T) {
	if err := Ping(fakePinger{})(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := Ping(fakePinger{err: errors.New("down")})(context.Background()); err == nil {
		t.Fatal("expected Ping to surface the error")
	}

	running := false
	check := Running(func() bool { return running })
	if check(context.Background()) == nil {
		t.Fatal("stopped loop should fail the check")
	}
	running = true
	if err := check(context.Background()); err != nil {
		t.Fatalf("running loop: %v", err)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", false, func(context.Context) error { return nil })
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

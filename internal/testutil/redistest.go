package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisMu   sync.Mutex
	redisAddr string
)

// RedisTest returns a client for an integration Redis. REDIS_URL is used
// when set; otherwise a redis:7-alpine container is started once per test
// binary. The test is skipped if Docker is unavailable.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()

	var opts *redis.Options
	if url := os.Getenv("REDIS_URL"); url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			t.Fatalf("redistest: parse REDIS_URL: %v", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: startRedis(t)}
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: ping: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func startRedis(t *testing.T) string {
	t.Helper()

	redisMu.Lock()
	defer redisMu.Unlock()

	if redisAddr != "" {
		return redisAddr
	}

	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redistest: REDIS_URL not set and container unavailable: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(c)
		t.Fatalf("redistest: host: %v", err)
	}
	port, err := c.MappedPort(ctx, "6379/tcp")
	if err != nil {
		_ = testcontainers.TerminateContainer(c)
		t.Fatalf("redistest: port: %v", err)
	}

	redisAddr = host + ":" + port.Port()
	return redisAddr
}

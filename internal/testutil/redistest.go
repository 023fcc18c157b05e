package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisTest returns a client for a scratch Redis database, flushed on
// cleanup. REDIS_URL selects an existing server; REGGATE_TESTCONTAINERS=1
// starts a container; otherwise the test is skipped.
func RedisTest(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("REDIS_URL")
	terminate := func() {}
	if url == "" {
		if os.Getenv("REGGATE_TESTCONTAINERS") != "1" {
			t.Skip("REDIS_URL not set, skipping integration test")
		}
		ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForListeningPort("6379/tcp"),
			},
			Started: true,
		})
		if err != nil {
			t.Fatalf("redistest: start redis container: %v", err)
		}
		terminate = func() {
			if err := testcontainers.TerminateContainer(ctr); err != nil {
				t.Logf("redistest: terminate container: %v", err)
			}
		}
		endpoint, err := ctr.Endpoint(ctx, "")
		if err != nil {
			terminate()
			t.Fatalf("redistest: container endpoint: %v", err)
		}
		url = "redis://" + endpoint
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		terminate()
		t.Fatalf("redistest: parse url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		terminate()
		t.Fatalf("redistest: ping: %v", err)
	}

	cleanup := func() {
		_ = client.FlushDB(ctx).Err()
		_ = client.Close()
		terminate()
	}
	return client, cleanup
}

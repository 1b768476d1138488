// Package redistest provides helpers for Redis integration tests.
//
// Tests using this package should be tagged with //go:build redisintegration
// and run against a disposable Redis server:
//
//	docker run --rm -p 6379:6379 redis:7
//	go test -tags redisintegration ./...
//
// Usage:
//
//	func TestMyRedisFunction(t *testing.T) {
//	    redistest.SkipIfUnavailable(t)
//	    cli := redistest.Client(t)
//	    prefix := redistest.Prefix(t)
//	    // ... test code ...
//	}
package redistest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultURL is the default test server. Database 15 keeps test keys away
// from a developer's default database.
const DefaultURL = "redis://localhost:6379/15"

// URL is the test server, configurable via REDISTEST_URL.
var URL = getEnvOrDefault("REDISTEST_URL", DefaultURL)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func newClient() (*redis.Client, error) {
	opts, err := redis.ParseURL(URL)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", URL, err)
	}
	return redis.NewClient(opts), nil
}

// Available checks if the Redis server answers PING.
func Available() bool {
	cli, err := newClient()
	if err != nil {
		return false
	}
	defer func() { _ = cli.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return cli.Ping(ctx).Err() == nil
}

// SkipIfUnavailable skips the test if the Redis server is not reachable.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("redis not available at %s (start with: docker run --rm -p 6379:6379 redis:7)", URL)
	}
}

// Client returns a client for the test server, closed on cleanup.
func Client(t *testing.T) *redis.Client {
	t.Helper()
	cli, err := newClient()
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

// Prefix returns a key prefix unique to the test. Keys under it are deleted
// on cleanup.
func Prefix(t *testing.T) string {
	t.Helper()

	name := strings.ToLower(t.Name())
	name = strings.NewReplacer("/", "-", " ", "-", "_", "-").Replace(name)
	if len(name) > 40 {
		name = name[:40]
	}
	prefix := fmt.Sprintf("gsadashtest:%s:%d", name, time.Now().UnixNano())

	t.Cleanup(func() {
		if err := DeletePrefix(context.Background(), prefix); err != nil {
			t.Logf("failed to delete keys under %s: %v", prefix, err)
		}
	})
	return prefix
}

// DeletePrefix removes every key under prefix.
func DeletePrefix(ctx context.Context, prefix string) error {
	cli, err := newClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	iter := cli.Scan(ctx, 0, prefix+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}
	return cli.Del(ctx, keys...).Err()
}

package core

import (
	"context"
	"net"
	"testing"
	"time"
)

// requireRedis skips the calling test unless a Redis instance is reachable
// at localhost:6379, so Redis-backed tests degrade gracefully in environments
// without Redis. It is unexported; the journal package's Redis tests carry
// their own copy.
func requireRedis(t *testing.T) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis test in short mode")
	}

	if !isRedisReachable() {
		t.Skip("Redis not available at localhost:6379 (connection refused)")
	}

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL:  "redis://localhost:6379",
		DB:        RedisDBJournal,
		Namespace: "orchestrator:test",
	})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.HealthCheck(ctx); err != nil {
		t.Skipf("Redis not responsive: %v", err)
	}
}

func isRedisReachable() bool {
	conn, err := net.DialTimeout("tcp", "localhost:6379", 1*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

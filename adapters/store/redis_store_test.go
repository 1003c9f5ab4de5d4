package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/layer-3/attendance/adapters/store/storetest"
	"github.com/layer-3/attendance/ports"
	"github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	// Skip test if Redis is not available
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3, // Use separate DB for store tests
	})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.FlushDB(context.Background()) })

	storetest.RunStoreGatewayTests(t, func(t *testing.T) ports.StoreGateway {
		// A fresh prefix per subtest keeps them isolated without flushing.
		return NewRedisStore(client).WithPrefix("attendance-test:" + uuid.NewString() + ":")
	})
}

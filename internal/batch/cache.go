package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const qtyCacheTTL = 24 * time.Hour

// RedisQtyCache mirrors recomputed batch quantities in Redis for display
// readers. Misses fall through to a recompute, so a cold cache is never
// wrong, only slower.
type RedisQtyCache struct {
	client *redis.Client
}

func NewRedisQtyCache(client *redis.Client) *RedisQtyCache {
	return &RedisQtyCache{client: client}
}

func qtyKey(batchID string) string {
	return fmt.Sprintf("batch:%s:qty", batchID)
}

func (c *RedisQtyCache) SetQty(ctx context.Context, batchID string, qty float64) error {
	return c.client.Set(ctx, qtyKey(batchID), qty, qtyCacheTTL).Err()
}

// GetQty returns the mirrored quantity and whether it was present.
func (c *RedisQtyCache) GetQty(ctx context.Context, batchID string) (float64, bool, error) {
	qty, err := c.client.Get(ctx, qtyKey(batchID)).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return qty, true, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"relicwatch/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const cooldownKeyPrefix = "relicwatch:cooldown:"

// RedisCooldowns shares alert cooldown state between pipeline instances. Each
// resolution is stored as a unix-millisecond value that expires with the
// cooldown window.
type RedisCooldowns struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisCooldowns(client *redis.Client, logger *zap.Logger) *RedisCooldowns {
	return &RedisCooldowns{client: client, logger: logger}
}

func cooldownKey(key models.AlertKey) string {
	return cooldownKeyPrefix + key.SensorID + ":" + key.AlertType
}

func (r *RedisCooldowns) MarkResolved(ctx context.Context, key models.AlertKey, at time.Time, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	value := strconv.FormatInt(at.UnixMilli(), 10)
	if err := r.client.Set(ctx, cooldownKey(key), value, window).Err(); err != nil {
		return fmt.Errorf("failed to record cooldown for %s: %w", key, err)
	}
	return nil
}

func (r *RedisCooldowns) InCooldown(ctx context.Context, key models.AlertKey, at time.Time, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, nil
	}

	raw, err := r.client.Get(ctx, cooldownKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read cooldown for %s: %w", key, err)
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.logger.Warn("Discarding malformed cooldown entry",
			zap.String("key", key.String()),
			zap.String("value", raw))
		r.client.Del(ctx, cooldownKey(key))
		return false, nil
	}

	return at.Sub(time.UnixMilli(ms)) < window, nil
}

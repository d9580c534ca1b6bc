// Package quotecache memoizes Quote Engine estimates in Redis.
package quotecache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/campusride/service-booking/internal/domain/quote"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "quote:"

	// opTimeout bounds each cache round trip so a stalled Redis leaves the
	// quote budget to the engine.
	opTimeout = 100 * time.Millisecond
)

// CachedEngine decorates a quote.Engine. The engine is a pure function of
// trip and rider count, so an estimate can be reused until ttl elapses.
// Redis failures fall through to the engine.
type CachedEngine struct {
	next   quote.Engine
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New wraps next with a Redis cache.
func New(next quote.Engine, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedEngine {
	return &CachedEngine{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

// NewClient builds a Redis client whose commands honour context deadlines.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  addr,
		Password:              password,
		DB:                    db,
		DialTimeout:           500 * time.Millisecond,
		ReadTimeout:           500 * time.Millisecond,
		WriteTimeout:          500 * time.Millisecond,
		ContextTimeoutEnabled: true,
	})
}

// Key returns the cache key for a request.
func Key(req quote.Request) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, req.TripID, req.Riders)
}

// Estimate serves from cache or asks the wrapped engine and stores the answer.
func (c *CachedEngine) Estimate(ctx context.Context, req quote.Request) (int64, error) {
	key := Key(req)

	getCtx, cancel := context.WithTimeout(ctx, opTimeout)
	cached, err := c.rdb.Get(getCtx, key).Result()
	cancel()
	switch {
	case err == nil:
		if cents, perr := strconv.ParseInt(cached, 10, 64); perr == nil && cents > 0 {
			return cents, nil
		}
		c.logger.Warn("discarding malformed cached quote", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("quote cache read failed", zap.String("key", key), zap.Error(err))
	}

	cents, err := c.next.Estimate(ctx, req)
	if err != nil {
		return 0, err
	}

	setCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.rdb.Set(setCtx, key, strconv.FormatInt(cents, 10), c.ttl).Err(); err != nil {
		c.logger.Warn("quote cache write failed", zap.String("key", key), zap.Error(err))
	}
	return cents, nil
}

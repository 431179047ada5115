package serieslock

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/fiscalia/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("serieslock",
	fx.Provide(Provide),
)

// Provide returns a Redis locker when REDIS_ADDR is set and the in-process locker otherwise.
func Provide(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Locker {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Info("series lock: using in-process locker")
		return NewLocal()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	log.Info("series lock: using redis locker", zap.String("addr", addr))
	return NewRedis(client, cfg.Verifactu.SeriesLockTimeout*3, log)
}

// SeriesKey is the lock key for a series.
func SeriesKey(seriesID string) string {
	return "fiscalia:series:lock:" + seriesID
}

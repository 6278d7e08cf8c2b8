package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PixelForge/internal/pkg/config"
)

// NewClient connects to the Redis/Dragonfly instance backing the work queue.
// A failed ping is logged; go-redis reconnects on demand.
func NewClient(cfg config.CacheConfig) *goredis.Client {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to %s: %v", cfg.Addr(), err)
	} else {
		log.Infof("[Cache] Connected to %s: %s", cfg.Addr(), pong)
	}
	return client
}

// NewLimiterStorage returns fiber storage for the API rate limiter. It uses a
// separate logical database so limiter keys never mix with queue keys.
func NewLimiterStorage(cfg config.CacheConfig) *redis.Storage {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		port = 6379
	}
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: cfg.DB + 1,
		Reset:    false,
	})
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/osgrid/talon/internal/cache"
	credis "github.com/osgrid/talon/internal/component/redis"
	"github.com/osgrid/talon/internal/config"
	"github.com/osgrid/talon/internal/job_tracer"
	"github.com/osgrid/talon/internal/util"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type RedisClient struct {
	client *redis.Client
	ttl    int
}

func NewRedisCacheClient(ctx context.Context) (*RedisClient, error) {
	cfg, err := config.GetRedisConfig()
	if err != nil {
		return nil, err
	}

	rc, err := credis.NewRedisClient(ctx)
	if err != nil {
		return nil, err
	}

	return &RedisClient{
		client: rc,
		ttl:    cfg.TTL,
	}, nil
}

func (r *RedisClient) Put(ctx context.Context, key string, value interface{}, ttlSeconds int) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Redis/Put")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)
	if value == nil {
		err := fmt.Errorf("value cannot be nil")
		util.RecordSpanError(span, err)
		return err
	}
	b, err := msgpack.Marshal(value)
	if err != nil {
		err := fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	err = r.client.Set(ctx, key, b, time.Duration(ttlSeconds)*time.Second).Err()
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// out must be a non-nil pointer to the destination type.
func (r *RedisClient) Get(ctx context.Context, key string, out interface{}) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Redis/Get")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return cache.ErrCacheMiss
		}
		err := fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	err = msgpack.Unmarshal(val, out)
	if err != nil {
		err := fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *RedisClient) GetDefaultTTL() int {
	return r.ttl
}

func (r *RedisClient) ShutDown(ctx context.Context) {
	_ = r.client.Close()
}

package component

import (
	"context"

	"github.com/osgrid/talon/internal/cache"
	"github.com/osgrid/talon/internal/cache/freecache"
	"github.com/osgrid/talon/internal/cache/redis"
	"github.com/osgrid/talon/internal/queue"
	jq "github.com/osgrid/talon/internal/queue/jetstream"
	"github.com/osgrid/talon/internal/storage"
	"github.com/osgrid/talon/internal/storage/minio"
)

func GetCache(ctx context.Context, cacheType string) (cache.Cache, error) {
	switch cacheType {
	case "redis":
		return redis.NewRedisCacheClient(ctx)
	default:
		return freecache.NewFreeCache()
	}
}

func GetQueue(qType string) (queue.Queue, error) {
	switch qType {
	default:
		return jq.NewJetStreamQueueClient()
	}
}

func GetStorage(storageType string) (storage.Storage, error) {
	switch storageType {
	default:
		return minio.NewMinioClient()
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
)

type NatsConfig struct {
	URL string
}

type RedisConfig struct {
	TTL            int
	ClientPassword string
	URL            string
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type MinioConfig struct {
	URL         string
	JOBS_BUCKET string
	ACCESS_KEY  string
	SECRET_KEY  string
	USE_SSL     bool
}

type PostgresConfig struct {
	URL string
}

// QuotaConfig carries the per-tenant concurrency maxima. A value <= 0 disables
// the corresponding check.
type QuotaConfig struct {
	MAX_SYSTEM_JOBS      int
	MAX_SYSTEM_USER_JOBS int
	MAX_QUEUE_JOBS       int
	MAX_QUEUE_USER_JOBS  int
}

type ThrottleConfig struct {
	WINDOW_SECONDS int
	LIMIT          int
	SWEEP_SECONDS  int
}

type WorkerConfig struct {
	WORKER_COUNT              int
	REAPER_INTERVAL_SECONDS   int
	MIN_RECOVERY_WAIT_SECONDS int
}

type Config struct {
	SERVICE_NAME string
	TRACE_URL    string
	CACHE_TYPE   string
	STORAGE_TYPE string
	QUEUE_TYPE   string
	SITE_ID      string
}

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

// envIntOr returns the integer value of key, or def when the key is unset.
func envIntOr(key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	return convertStringToInt(v, key)
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	return &NatsConfig{
		URL: url,
	}, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	ttl, err := convertStringToInt(env("REDIS_TTL"), "REDIS_TTL")
	if err != nil {
		return nil, err
	}

	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: REDIS_ENDPOINT is empty")
	}

	return &RedisConfig{
		TTL:            ttl,
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		URL:            url,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := convertStringToInt(env("FREECACHE_TTL"), "FREECACHE_TTL")
	if err != nil {
		return nil, err
	}
	fs, err := convertStringToInt(env("FREECACHE_SIZE"), "FREECACHE_SIZE")
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	return &PostgresConfig{
		URL: url,
	}, nil
}

func GetQuotaConfig() (*QuotaConfig, error) {
	sys, err := envIntOr("MAX_SYSTEM_JOBS", -1)
	if err != nil {
		return nil, err
	}
	sysUser, err := envIntOr("MAX_SYSTEM_USER_JOBS", -1)
	if err != nil {
		return nil, err
	}
	q, err := envIntOr("MAX_QUEUE_JOBS", -1)
	if err != nil {
		return nil, err
	}
	qUser, err := envIntOr("MAX_QUEUE_USER_JOBS", -1)
	if err != nil {
		return nil, err
	}
	return &QuotaConfig{
		MAX_SYSTEM_JOBS:      sys,
		MAX_SYSTEM_USER_JOBS: sysUser,
		MAX_QUEUE_JOBS:       q,
		MAX_QUEUE_USER_JOBS:  qUser,
	}, nil
}

func GetThrottleConfig() (*ThrottleConfig, error) {
	window, err := envIntOr("THROTTLE_WINDOW_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	limit, err := envIntOr("THROTTLE_LIMIT", 25)
	if err != nil {
		return nil, err
	}
	sweep, err := envIntOr("THROTTLE_SWEEP_SECONDS", 600)
	if err != nil {
		return nil, err
	}
	return &ThrottleConfig{
		WINDOW_SECONDS: window,
		LIMIT:          limit,
		SWEEP_SECONDS:  sweep,
	}, nil
}

func GetWorkerConfig() (*WorkerConfig, error) {
	wc, err := envIntOr("WORKER_COUNT", 4)
	if err != nil {
		return nil, err
	}
	ri, err := envIntOr("REAPER_INTERVAL_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	mw, err := envIntOr("MIN_RECOVERY_WAIT_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	return &WorkerConfig{
		WORKER_COUNT:              wc,
		REAPER_INTERVAL_SECONDS:   ri,
		MIN_RECOVERY_WAIT_SECONDS: mw,
	}, nil
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	turl := env("TRACE_URL")
	ct := env("CACHE_TYPE")
	if ct == "" {
		return nil, fmt.Errorf("KEY: CACHE_TYPE is empty")
	}
	site := env("SITE_ID")
	if site == "" {
		return nil, fmt.Errorf("KEY: SITE_ID is empty")
	}
	st := env("STORAGE_TYPE")
	if st == "" {
		st = "minio"
	}
	qt := env("QUEUE_TYPE")
	if qt == "" {
		qt = "jetstream"
	}
	return &Config{
		SERVICE_NAME: sn,
		TRACE_URL:    turl,
		CACHE_TYPE:   ct,
		STORAGE_TYPE: st,
		QUEUE_TYPE:   qt,
		SITE_ID:      site,
	}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}

	jb := env("MINIO_JOBS_BUCKET")
	if jb == "" {
		return nil, fmt.Errorf("KEY: MINIO_JOBS_BUCKET is empty")
	}

	ssl := env("MINIO_USE_SSL")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}

	return &MinioConfig{
		URL:         url,
		JOBS_BUCKET: jb,
		USE_SSL:     ssl == "true",
		ACCESS_KEY:  ak,
		SECRET_KEY:  sk,
	}, nil
}

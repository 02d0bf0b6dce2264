package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/music-cache/pkg/coordinator"
	"github.com/Sternrassler/music-cache/pkg/store"
	"github.com/caarlos0/env/v11"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

// Store backends selectable with STORE_BACKEND.
const (
	backendMemory = "memory"
	backendRedis  = "redis"
	backendBucket = "bucket"
)

// Config is read from the environment (and the dotenv file).
type Config struct {
	Port          string `env:"PORT" envDefault:"3000"`
	PublicURL     string `env:"PUBLIC_URL" envDefault:"http://localhost:3000"`
	UserAgent     string `env:"USER_AGENT"`
	AdminPassword string `env:"PASSWORD"`

	StoreBackend string        `env:"STORE_BACKEND" envDefault:"memory"`
	RedisURL     string        `env:"REDIS_URL" envDefault:"localhost:6379"`
	RedisTTL     time.Duration `env:"REDIS_TTL"`

	Bucket BucketConfig

	GitToken string `env:"GIT_TOKEN"`
	GistID   string `env:"SETTINGS_GIST_ID"`

	// Cache seeds `settings init`.
	Cache coordinator.Settings `envPrefix:"CACHE_"`
}

// BucketConfig describes the Cloudflare R2 (or any S3-compatible) bucket.
type BucketConfig struct {
	AccountID       string `env:"ACCOUNT_ID"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	Endpoint        string `env:"R2_ENDPOINT"`
	Name            string `env:"R2_BUCKET" envDefault:"music"`
	UseSSL          bool   `env:"R2_USE_SSL" envDefault:"true"`
}

// Enabled reports whether credentials for the bucket are present.
func (b BucketConfig) Enabled() bool {
	return b.AccessKeyID != "" && b.SecretAccessKey != "" && b.endpoint() != ""
}

func (b BucketConfig) endpoint() string {
	if b.Endpoint != "" {
		return b.Endpoint
	}
	if b.AccountID != "" {
		return b.AccountID + ".r2.cloudflarestorage.com"
	}
	return ""
}

func loadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	switch cfg.StoreBackend {
	case backendMemory, backendRedis, backendBucket:
	default:
		return Config{}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == backendBucket && !cfg.Bucket.Enabled() {
		return Config{}, fmt.Errorf("STORE_BACKEND=bucket requires ACCOUNT_ID (or R2_ENDPOINT), ACCESS_KEY_ID and SECRET_ACCESS_KEY")
	}
	return cfg, nil
}

// bucketClient returns nil when no bucket is configured.
func (c Config) bucketClient() (*minio.Client, error) {
	if !c.Bucket.Enabled() {
		return nil, nil
	}
	client, err := minio.New(c.Bucket.endpoint(), &minio.Options{
		Creds:  credentials.NewStaticV4(c.Bucket.AccessKeyID, c.Bucket.SecretAccessKey, ""),
		Secure: c.Bucket.UseSSL,
		Region: "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket client: %w", err)
	}
	return client, nil
}

// backends holds the opened persistent store and the clients behind it.
type backends struct {
	storage store.Storage
	redis   *redis.Client
	bucket  *minio.Client
}

func (b *backends) Close() {
	if b.redis != nil {
		b.redis.Close()
	}
}

func (c Config) openBackends(ctx context.Context) (*backends, error) {
	bucket, err := c.bucketClient()
	if err != nil {
		return nil, err
	}
	b := &backends{bucket: bucket}

	switch c.StoreBackend {
	case backendRedis:
		b.redis = redis.NewClient(&redis.Options{Addr: c.RedisURL})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", c.RedisURL, err)
		}
		b.storage = store.NewRedisStorage(b.redis, store.RedisOptions{TTL: c.RedisTTL})
	case backendBucket:
		b.storage = store.NewBucketStorage(bucket, c.Bucket.Name)
	default:
		b.storage = store.NewMemoryStorage()
	}
	return b, nil
}

// settingsStores returns the local settings file and, when a Gist is
// configured, the remote document.
func (c Config) settingsStores(path string) (*coordinator.FileStore, coordinator.RemoteStore, error) {
	if path == "" {
		p, err := coordinator.DefaultSettingsPath()
		if err != nil {
			return nil, nil, err
		}
		path = p
	}
	local := coordinator.NewFileStore(path)

	if c.GistID == "" || c.GitToken == "" {
		return local, nil, nil
	}
	return local, coordinator.NewGistStoreWithToken(c.GitToken, c.GistID, coordinator.DefaultGistFile), nil
}

// Package config defines the engine's YAML configuration.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/zeromicro/go-zero/rest"

	"runbox/internal/cache"
	"runbox/internal/mq"
	"runbox/internal/sandbox/engine"
	"runbox/internal/storage"
)

// Config is the process-wide engine configuration.
type Config struct {
	rest.RestConf

	Log LogConfig `json:"log,optional"`

	// Store selects the submission store backend: "memory" or "mysql".
	Store StoreConfig `json:"store,optional"`

	// Redis enables the read-side cache in front of the store.
	Redis RedisConfig `json:"redis,optional"`

	// Kafka enables terminal-status event publishing.
	Kafka KafkaConfig `json:"kafka,optional"`

	// MinIO enables additional_files archives by object key.
	MinIO MinIOConfig `json:"minio,optional"`

	Engine  EngineConfig  `json:"engine"`
	Sandbox engine.Config `json:"sandbox,optional"`
}

// LogConfig holds zap logger settings.
type LogConfig struct {
	Level  string `json:"level,default=info"`
	Format string `json:"format,default=console"`
	Output string `json:"output,optional"`
}

// StoreConfig selects and configures the store backend.
type StoreConfig struct {
	Backend    string `json:"backend,default=memory,options=memory|mysql"`
	DataSource string `json:"dataSource,optional"`
}

// RedisConfig gates the cache decorator.
type RedisConfig struct {
	Enabled bool `json:"enabled,default=false"`
	cache.RedisConfig
	TTL      time.Duration `json:"ttl,default=30m"`
	EmptyTTL time.Duration `json:"emptyTTL,default=5m"`
}

// KafkaConfig gates the terminal event publisher.
type KafkaConfig struct {
	Enabled bool `json:"enabled,default=false"`
	mq.KafkaConfig
	TerminalTopic string `json:"terminalTopic,default=runbox.submission.terminal"`
}

// MinIOConfig gates object-storage archive fetching.
type MinIOConfig struct {
	Enabled bool `json:"enabled,default=false"`
	storage.MinIOConfig
}

// EngineConfig holds the execution pipeline settings.
type EngineConfig struct {
	MaxConcurrent        int           `json:"maxConcurrent,default=50"`
	MaxQueueSize         int           `json:"maxQueueSize,default=100"`
	WorkspaceRoot        string        `json:"workspaceRoot,optional"`
	CallbackTimeout      time.Duration `json:"callbackTimeout,default=5s"`
	EnableNetworkDefault bool          `json:"enableNetworkDefault,default=false"`
}

// ApplyDefaults fills derived defaults that cannot be expressed as tags.
func (c *Config) ApplyDefaults() {
	if c.Engine.WorkspaceRoot == "" {
		c.Engine.WorkspaceRoot = filepath.Join(os.TempDir(), "runbox")
	}
	if c.Engine.MaxConcurrent <= 0 {
		c.Engine.MaxConcurrent = 50
	}
	if c.Engine.MaxQueueSize <= 0 {
		c.Engine.MaxQueueSize = 100
	}
	if c.Engine.CallbackTimeout <= 0 {
		c.Engine.CallbackTimeout = 5 * time.Second
	}
	if c.Sandbox.HelperPath == "" {
		c.Sandbox.HelperPath = "sandbox-init"
	}
}

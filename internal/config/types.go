package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Log       LogConfig       `json:"log"`
	Database  Database        `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	R2        R2Config        `json:"r2"`
	Optimizer OptimizerConfig `json:"optimizer"`
	Batch     BatchConfig     `json:"batch"`
	Queue     QueueConfig     `json:"queue"`
	Kafka     KafkaConfig     `json:"kafka"`
	Sentry    SentryConfig    `json:"sentry"`
}

type ServerConfig struct {
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`     // seconds
	WriteTimeout    time.Duration `json:"write_timeout"`    // seconds
	ShutdownTimeout time.Duration `json:"shutdown_timeout"` // seconds
}

type LogConfig struct {
	Development bool `json:"development"`
}

type Database struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Password            string        `json:"password"`
	DatabaseID          int           `json:"database_id"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	PoolSize            int           `json:"pool_size"`
	Nodes               []RedisNode   `json:"nodes"`
}

type RedisNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

// Enabled reports whether any Redis node is configured.
func (c RedisConfig) Enabled() bool { return len(c.Nodes) > 0 }

type R2Config struct {
	AccountID   string `json:"account_id"`
	BucketName  string `json:"bucket_name"`
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
	Endpoint    string `json:"endpoint"` // overrides the account endpoint, e.g. a local minio
	Region      string `json:"region"`
	MaxRetries  int    `json:"max_retries"`
}

type OptimizerConfig struct {
	Collection string `json:"collection"` // object prefix and record collection, e.g. "products"
	TempDir    string `json:"temp_dir"`
}

type BatchConfig struct {
	DefaultSubcat string        `json:"default_subcat"`
	MaxRuntime    time.Duration `json:"max_runtime"`   // seconds, host limit for one invocation
	SafetyMargin  time.Duration `json:"safety_margin"` // seconds kept free below MaxRuntime
}

// Budget is the wall time one bulk invocation may spend before pausing.
func (b BatchConfig) Budget() time.Duration {
	return (b.MaxRuntime - b.SafetyMargin) * time.Second
}

type QueueConfig struct {
	Stream       string        `json:"stream"`        // redis stream name
	Group        string        `json:"group"`         // consumer group name
	Consumer     string        `json:"consumer"`      // consumer name inside the group
	Workers      int           `json:"workers"`       // number of concurrent goroutines
	MaxAttempts  int           `json:"max_attempts"`  // max retries before a task is dropped
	MaxLen       int64         `json:"max_len"`       // stream max length before trim
	BackoffBase  time.Duration `json:"backoff_base"`  // base retry delay, milliseconds
	BlockTimeout time.Duration `json:"block_timeout"` // XREADGROUP block timeout, seconds
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id"`
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}

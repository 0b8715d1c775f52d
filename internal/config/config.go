package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Create new config instance
func NewConfig() *Config {
	return &Config{}
}

// Load configuration file in json format, then fill defaults and validate.
func (c *Config) Read(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}
	c.ApplyDefaults()
	return c.Validate()
}

func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10
	}
	if c.Redis.HealthCheckInterval == 0 {
		c.Redis.HealthCheckInterval = 30
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3
	}
	if c.R2.Region == "" {
		c.R2.Region = "auto"
	}
	if c.R2.MaxRetries == 0 {
		c.R2.MaxRetries = 3
	}
	if c.Optimizer.Collection == "" {
		c.Optimizer.Collection = "products"
	}
	if c.Batch.DefaultSubcat == "" {
		c.Batch.DefaultSubcat = "vestidos"
	}
	if c.Batch.MaxRuntime == 0 {
		c.Batch.MaxRuntime = 540
	}
	if c.Batch.SafetyMargin == 0 {
		c.Batch.SafetyMargin = 60
	}
	if c.Queue.Stream == "" {
		c.Queue.Stream = "mediaopt:tasks"
	}
	if c.Queue.Group == "" {
		c.Queue.Group = "mediaopt"
	}
	if c.Queue.Consumer == "" {
		host, _ := os.Hostname()
		c.Queue.Consumer = "mediaopt-" + host
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.MaxLen == 0 {
		c.Queue.MaxLen = 10000
	}
	if c.Queue.BackoffBase == 0 {
		c.Queue.BackoffBase = 500
	}
	if c.Queue.BlockTimeout == 0 {
		c.Queue.BlockTimeout = 5
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "object-finalized"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "mediaopt-trigger"
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.R2.BucketName == "" {
		errs = append(errs, errors.New("r2.bucket_name is required"))
	}
	if c.R2.AccountID == "" && c.R2.Endpoint == "" {
		errs = append(errs, errors.New("r2.account_id or r2.endpoint is required"))
	}
	if c.Batch.SafetyMargin >= c.Batch.MaxRuntime {
		errs = append(errs, fmt.Errorf("batch.safety_margin (%d) must be below batch.max_runtime (%d)",
			c.Batch.SafetyMargin, c.Batch.MaxRuntime))
	}
	return errors.Join(errs...)
}

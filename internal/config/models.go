package config

import (
	"time"

	"github.com/mikey/phishguard/internal/adapters/intake"
	"github.com/mikey/phishguard/internal/aggregator"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/detect"
	"github.com/mikey/phishguard/internal/parser"
	"github.com/mikey/phishguard/internal/pipeline"
	"go.uber.org/multierr"
)

// StoreConfig represents the configuration of the task store
type StoreConfig struct {
	Type          string
	SQLitePath    string
	MySQLDSN      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// DetectionConfig represents the configuration of the detector suite
type DetectionConfig struct {
	RulesFile string
	Options   detect.Options
}

// EventsConfig represents the configuration of completion events
type EventsConfig struct {
	Type       string
	AMQPURL    string
	Exchange   string
	RoutingKey string
}

// MetricsConfig represents the configuration of the metrics endpoint
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
}

// durations parses several duration keys and keeps every failure
type durations struct {
	c   *Config
	err error
}

func (d *durations) get(key string) time.Duration {
	v, err := d.c.GetDuration(key)
	d.err = multierr.Append(d.err, err)
	return v
}

// GetOrchestratorConfig returns the pipeline configuration
func (c *Config) GetOrchestratorConfig() (pipeline.Config, error) {
	d := &durations{c: c}
	cfg := pipeline.Config{
		Workers:                c.GetInt("orchestrator.workers"),
		TaskTimeout:            d.get("orchestrator.task_timeout"),
		TimeoutGrace:           d.get("orchestrator.timeout_grace"),
		QueueTimeout:           d.get("orchestrator.queue_timeout"),
		SweepInterval:          d.get("orchestrator.sweep_interval"),
		RetentionWindow:        d.get("retention.window"),
		RetentionSweepInterval: d.get("retention.sweep_interval"),
		MaxFileBytes:           c.GetInt("orchestrator.max_file_bytes"),
		MaxTextBytes:           c.GetInt("orchestrator.max_text_bytes"),
		MaxBatchItems:          c.GetInt("orchestrator.max_batch_items"),
		StoreRetries:           c.GetInt("orchestrator.store_retries"),
		RetryBackoff:           d.get("orchestrator.retry_backoff"),
		MaxRetryBackoff:        d.get("orchestrator.max_retry_backoff"),
	}
	if d.err != nil {
		return pipeline.Config{}, d.err
	}
	return cfg, cfg.Validate()
}

// GetShutdownTimeout returns how long the daemon waits for in-flight tasks
func (c *Config) GetShutdownTimeout() (time.Duration, error) {
	return c.GetDuration("orchestrator.shutdown_timeout")
}

// GetStoreConfig returns the store configuration
func (c *Config) GetStoreConfig() StoreConfig {
	return StoreConfig{
		Type:          c.GetString("store.type"),
		SQLitePath:    c.GetString("store.sqlite_path"),
		MySQLDSN:      c.GetString("store.mysql_dsn"),
		RedisAddr:     c.GetString("store.redis.addr"),
		RedisPassword: c.GetString("store.redis.password"),
		RedisDB:       c.GetInt("store.redis.db"),
		RedisPrefix:   c.GetString("store.redis.prefix"),
	}
}

// GetParserConfig returns the parser bounds
func (c *Config) GetParserConfig() parser.Options {
	return parser.Options{
		SniffBytes:   c.GetInt("parser.sniff_bytes"),
		MaxBodyBytes: c.GetInt("parser.max_body_bytes"),
		MaxDepth:     c.GetInt("parser.max_depth"),
	}
}

// GetDetectionConfig returns the detector configuration
func (c *Config) GetDetectionConfig() (DetectionConfig, error) {
	timeout, err := c.GetDuration("detection.resolve_timeout")
	if err != nil {
		return DetectionConfig{}, err
	}
	return DetectionConfig{
		RulesFile: c.GetString("detection.rules_file"),
		Options: detect.Options{
			ResolveDomains:     c.GetBool("detection.resolve_domains"),
			ResolveTimeout:     timeout,
			ResolveConcurrency: c.GetInt("detection.resolve_concurrency"),
		},
	}, nil
}

// GetScoringConfig returns the scoring constants
func (c *Config) GetScoringConfig() (core.ScoringConfig, error) {
	cfg := core.ScoringConfig{
		Importance: map[core.Category]float64{
			core.CategoryHeader:     c.GetFloat64("scoring.importance.header"),
			core.CategoryContent:    c.GetFloat64("scoring.importance.content"),
			core.CategoryLink:       c.GetFloat64("scoring.importance.link"),
			core.CategoryAttachment: c.GetFloat64("scoring.importance.attachment"),
		},
		HighThreshold:   c.GetFloat64("scoring.high_threshold"),
		MediumThreshold: c.GetFloat64("scoring.medium_threshold"),
	}
	return cfg, cfg.Validate()
}

// GetAggregatorConfig returns the daily statistics configuration
func (c *Config) GetAggregatorConfig() (aggregator.Config, error) {
	interval, err := c.GetDuration("aggregator.flush_interval")
	if err != nil {
		return aggregator.Config{}, err
	}
	return aggregator.Config{
		FlushInterval: interval,
		Buffer:        c.GetInt("aggregator.buffer"),
	}, nil
}

// SMTPIntakeEnabled reports whether the SMTP listener should run
func (c *Config) SMTPIntakeEnabled() bool {
	return c.GetBool("intake.smtp.enabled")
}

// GetSMTPConfig returns the SMTP intake configuration. The message size
// limit follows the orchestrator's file limit.
func (c *Config) GetSMTPConfig() (intake.SMTPConfig, error) {
	d := &durations{c: c}
	cfg := intake.SMTPConfig{
		ListenAddr:      c.GetString("intake.smtp.listen_address"),
		Domain:          c.GetString("intake.smtp.domain"),
		ReadTimeout:     d.get("intake.smtp.read_timeout"),
		WriteTimeout:    d.get("intake.smtp.write_timeout"),
		MaxMessageBytes: int64(c.GetInt("orchestrator.max_file_bytes")),
		MaxRecipients:   c.GetInt("intake.smtp.max_recipients"),
		SubmitTimeout:   d.get("intake.smtp.submit_timeout"),
	}
	return cfg, d.err
}

// GetEventsConfig returns the completion events configuration
func (c *Config) GetEventsConfig() EventsConfig {
	return EventsConfig{
		Type:       c.GetString("events.type"),
		AMQPURL:    c.GetString("events.amqp.url"),
		Exchange:   c.GetString("events.amqp.exchange"),
		RoutingKey: c.GetString("events.amqp.routing_key"),
	}
}

// GetMetricsConfig returns the metrics endpoint configuration
func (c *Config) GetMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:       c.GetBool("metrics.enabled"),
		ListenAddress: c.GetString("metrics.listen_address"),
		Path:          c.GetString("metrics.path"),
	}
}

// Package config loads the OpenViking configuration. One YAML or JSON
// file configures every component; any key can be overridden through
// OPENVIKING_-prefixed environment variables with dots replaced by
// underscores (vectordb.backend -> OPENVIKING_VECTORDB_BACKEND). The
// Manager in this package watches the file and re-applies it on change.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/embedding"
	"github.com/openviking/openviking-go/pkg/queue"
	"github.com/openviking/openviking-go/pkg/retrieve"
	"github.com/openviking/openviking-go/pkg/semantic"
	"github.com/openviking/openviking-go/pkg/tracing"
	"github.com/openviking/openviking-go/pkg/vectordb"
)

// EnvConfigFile names the environment variable that points at the
// config file when no explicit path is given.
const EnvConfigFile = "OPENVIKING_CONFIG_FILE"

// Config is the root configuration document.
type Config struct {
	Blob      blob.Config         `mapstructure:"blob" yaml:"blob"`
	VectorDB  vectordb.Config     `mapstructure:"vectordb" yaml:"vectordb"`
	Embedding EmbeddingConfig     `mapstructure:"embedding" yaml:"embedding"`
	LLM       LLMConfig           `mapstructure:"llm" yaml:"llm"`
	Rerank    RerankConfig        `mapstructure:"rerank" yaml:"rerank"`
	Queue     queue.ManagerConfig `mapstructure:"queue" yaml:"queue"`
	Retrieve  RetrieveConfig      `mapstructure:"retrieve" yaml:"retrieve"`
	Logging   LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
	Tracing   TracingConfig       `mapstructure:"tracing" yaml:"tracing"`
	Health    HealthConfig        `mapstructure:"health" yaml:"health"`
}

// EmbeddingConfig configures the embedding service client and its cache
// tiers.
type EmbeddingConfig struct {
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	Model        string        `mapstructure:"model" yaml:"model"`
	Dimension    int           `mapstructure:"dimension" yaml:"dimension"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxQPS       float64       `mapstructure:"max_qps" yaml:"max_qps"`
	ReturnSparse bool          `mapstructure:"return_sparse" yaml:"return_sparse"`
	Cache        CacheConfig   `mapstructure:"cache" yaml:"cache"`
}

// CacheConfig tunes the embedding cache. An empty redis_addr keeps the
// cache purely in-process.
type CacheConfig struct {
	MaxLRU    int           `mapstructure:"max_lru" yaml:"max_lru"`
	RedisAddr string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// ClientConfig maps the section onto the embedding client's config.
func (c EmbeddingConfig) ClientConfig() embedding.Config {
	return embedding.Config{
		BaseURL:      c.BaseURL,
		Model:        c.Model,
		Dimension:    c.Dimension,
		Timeout:      c.Timeout,
		MaxQPS:       c.MaxQPS,
		ReturnSparse: c.ReturnSparse,
		EnableRedis:  c.Cache.RedisAddr != "",
		RedisAddr:    c.Cache.RedisAddr,
		CacheTTL:     c.Cache.TTL,
		MaxLRU:       c.Cache.MaxLRU,
	}
}

// LLMConfig configures the completion service used for summaries and
// intent analysis.
type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Model   string        `mapstructure:"model" yaml:"model"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxQPS  float64       `mapstructure:"max_qps" yaml:"max_qps"`
}

// ClientConfig maps the section onto the LLM client's config.
func (c LLMConfig) ClientConfig() semantic.LLMConfig {
	return semantic.LLMConfig{
		BaseURL: c.BaseURL,
		Model:   c.Model,
		Timeout: c.Timeout,
		MaxQPS:  c.MaxQPS,
	}
}

// RerankConfig configures the rerank service. Disabled or without a
// base URL, retrieval falls back to raw vector scores.
type RerankConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Model     string        `mapstructure:"model" yaml:"model"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Threshold float64       `mapstructure:"threshold" yaml:"threshold"`
}

// RetrieverConfig maps the section onto the retriever's rerank config.
func (c RerankConfig) RetrieverConfig() retrieve.RerankConfig {
	rc := retrieve.RerankConfig{
		Model:     c.Model,
		Timeout:   c.Timeout,
		Threshold: c.Threshold,
	}
	if c.Enabled {
		rc.BaseURL = c.BaseURL
	}
	return rc
}

// RetrieveConfig sets retrieval defaults applied when a call leaves
// them unset.
type RetrieveConfig struct {
	Limit int    `mapstructure:"limit" yaml:"limit"`
	Mode  string `mapstructure:"mode" yaml:"mode"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Encoding    string `mapstructure:"encoding" yaml:"encoding"` // "json" or "console"
	Development bool   `mapstructure:"development" yaml:"development"`
}

// Build constructs a zap logger from the section.
func (c LoggingConfig) Build() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Encoding != "" {
		zc.Encoding = c.Encoding
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", c.Level, err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}

// MetricsConfig enables the Prometheus registry and its listen port.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// TracerConfig maps the section onto tracing.Initialize's config.
func (c TracingConfig) TracerConfig() tracing.Config {
	return tracing.Config{
		Enabled:      c.Enabled,
		ServiceName:  c.ServiceName,
		OTLPEndpoint: c.OTLPEndpoint,
		SampleRatio:  c.SampleRatio,
	}
}

// HealthConfig controls the periodic dependency checks.
type HealthConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Load reads the configuration from path, layered over defaults and
// under OPENVIKING_ environment overrides. An empty path falls back to
// OPENVIKING_CONFIG_FILE; if that is empty too, defaults plus
// environment are used alone. An explicitly named file must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("OPENVIKING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults without consulting files or
// the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("blob.backend", blob.BackendLocal)
	v.SetDefault("blob.root", "data/blob")
	v.SetDefault("blob.use_ssl", true)

	v.SetDefault("vectordb.backend", vectordb.BackendLocal)
	v.SetDefault("vectordb.name", "context")
	v.SetDefault("vectordb.path", "data/vectordb")
	v.SetDefault("vectordb.dimension", 2048)
	v.SetDefault("vectordb.distance_metric", "cosine")
	v.SetDefault("vectordb.timeout", 30*time.Second)

	// embedding.dimension stays unset by default and follows
	// vectordb.dimension at wiring time.
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.timeout", 5*time.Second)
	v.SetDefault("embedding.cache.max_lru", 2048)
	v.SetDefault("embedding.cache.ttl", time.Hour)

	v.SetDefault("llm.timeout", 30*time.Second)

	v.SetDefault("rerank.enabled", true)
	v.SetDefault("rerank.timeout", 10*time.Second)

	v.SetDefault("queue.mount_point", "/queue")
	v.SetDefault("queue.poll_interval", 200*time.Millisecond)
	v.SetDefault("queue.max_concurrent_embedding", 10)
	v.SetDefault("queue.max_concurrent_semantic", 100)

	v.SetDefault("retrieve.limit", 5)
	v.SetDefault("retrieve.mode", string(retrieve.ModeThinking))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
	v.SetDefault("logging.development", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "openviking")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.check_interval", 30*time.Second)
	v.SetDefault("health.timeout", 5*time.Second)
}

// Validate rejects configurations no component could start from.
func (c *Config) Validate() error {
	switch c.Blob.Backend {
	case "", blob.BackendLocal, blob.BackendMemory:
	case blob.BackendS3:
		if c.Blob.Bucket == "" || c.Blob.Endpoint == "" {
			return fmt.Errorf("s3 blob backend requires bucket and endpoint")
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.Blob.Backend)
	}

	switch c.VectorDB.Backend {
	case "", vectordb.BackendLocal:
	case vectordb.BackendHTTP:
		if c.VectorDB.URL == "" {
			return fmt.Errorf("http vectordb backend requires url")
		}
	case vectordb.BackendVolcengine:
		if c.VectorDB.Volcengine.AK == "" || c.VectorDB.Volcengine.SK == "" {
			return fmt.Errorf("volcengine vectordb backend requires ak and sk")
		}
	case vectordb.BackendPrivate:
		if c.VectorDB.VikingDB.Host == "" {
			return fmt.Errorf("vikingdb vectordb backend requires host")
		}
	default:
		return fmt.Errorf("unknown vectordb backend %q", c.VectorDB.Backend)
	}
	if c.VectorDB.Dimension <= 0 {
		return fmt.Errorf("vectordb dimension must be positive, got %d", c.VectorDB.Dimension)
	}
	if c.Embedding.Dimension > 0 && c.Embedding.Dimension != c.VectorDB.Dimension {
		return fmt.Errorf("embedding dimension %d does not match vectordb dimension %d",
			c.Embedding.Dimension, c.VectorDB.Dimension)
	}

	switch retrieve.Mode(c.Retrieve.Mode) {
	case "", retrieve.ModeThinking, retrieve.ModeQuick:
	default:
		return fmt.Errorf("unknown retrieve mode %q", c.Retrieve.Mode)
	}
	if c.Retrieve.Limit < 0 {
		return fmt.Errorf("retrieve limit cannot be negative, got %d", c.Retrieve.Limit)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1, got %v", c.Tracing.SampleRatio)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics port must be between 0 and 65535, got %d", c.Metrics.Port)
	}
	return nil
}

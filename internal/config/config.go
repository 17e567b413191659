// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/querywatch/subscription-consumer/internal/codec"
	"github.com/querywatch/subscription-consumer/internal/dedup"
	"github.com/querywatch/subscription-consumer/pkg/backoff"
	"github.com/querywatch/subscription-consumer/pkg/kafka"
)

// -----------------------------------------------------------------------------
// Структуры
// -----------------------------------------------------------------------------

type Config struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Dedup     dedup.Config    `mapstructure:"dedup"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

type KafkaConfig struct {
	Brokers            []string       `mapstructure:"brokers"`
	Topic              string         `mapstructure:"topic"`
	GroupID            string         `mapstructure:"group_id"`
	Version            string         `mapstructure:"version"`
	InitialOffsetReset string         `mapstructure:"initial_offset_reset"`
	StrictOffsetReset  bool           `mapstructure:"strict_offset_reset"`
	Backoff            backoff.Config `mapstructure:"backoff"`
}

// ConsumerConfig — тюнинг пайплайна. input/output_block_size приняты ради
// совместимости контракта, но в пуле горутин с общим адресным пространством
// им нечего настраивать — они игнорируются.
type ConsumerConfig struct {
	MaxBatchSize    int           `mapstructure:"max_batch_size"`
	MaxBatchTime    time.Duration `mapstructure:"max_batch_time"`
	NumWorkers      int           `mapstructure:"num_workers"`
	MultiProc       bool          `mapstructure:"multi_proc"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	InputBlockSize  int64         `mapstructure:"input_block_size"`
	OutputBlockSize int64         `mapstructure:"output_block_size"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otel_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplerRatio float64 `mapstructure:"sampler_ratio"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
}

// -----------------------------------------------------------------------------
// Load
// -----------------------------------------------------------------------------

func Load(path string) (*Config, error) {
	v := viper.New()

	/* ---------- 1) defaults ---------- */

	v.SetDefault("service_name", "subconsumer")
	v.SetDefault("service_version", "v1.0.0")

	// Kafka
	v.SetDefault("kafka.topic", "events-subscription-results")
	v.SetDefault("kafka.group_id", "query-subscription-consumer")
	v.SetDefault("kafka.version", "2.8.0")
	v.SetDefault("kafka.initial_offset_reset", "latest")
	v.SetDefault("kafka.strict_offset_reset", false)

	// Consumer pipeline
	v.SetDefault("consumer.max_batch_size", 100)
	v.SetDefault("consumer.max_batch_time", "1s")
	v.SetDefault("consumer.num_workers", 4)
	v.SetDefault("consumer.multi_proc", true)
	v.SetDefault("consumer.commit_interval", "1s")

	// Dedup
	v.SetDefault("dedup.enabled", false)
	v.SetDefault("dedup.ttl", "10m")

	// Telemetry
	v.SetDefault("telemetry.otel_endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sampler_ratio", 1.0)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// HTTP
	v.SetDefault("http.port", 8090)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	/* ---------- 2) env ---------- */

	v.SetEnvPrefix("SUBCONSUMER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	/* ---------- 3) optional file ---------- */

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	/* ---------- 4) decode ---------- */

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		func(f, t reflect.Kind, data interface{}) (interface{}, error) {
			if f == reflect.String && t == reflect.Bool {
				return strconv.ParseBool(data.(string))
			}
			return data, nil
		},
	)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     &cfg,
		DecodeHook: decodeHook,
	})
	if err != nil {
		return nil, fmt.Errorf("create config decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	/* ---------- 5) validate ---------- */

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// -----------------------------------------------------------------------------
// Validation helpers
// -----------------------------------------------------------------------------

func (c *Config) Validate() error {
	// service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	// kafka
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required")
	}
	if _, err := codec.ResolverFor(c.Kafka.Topic); err != nil {
		return fmt.Errorf("kafka.topic: %w (known: %v)", err, codec.Topics())
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka.group_id is required")
	}
	if !kafka.OffsetReset(c.Kafka.InitialOffsetReset).Valid() {
		return fmt.Errorf("kafka.initial_offset_reset must be one of [earliest, latest]")
	}

	// consumer
	if c.Consumer.MaxBatchSize <= 0 {
		return fmt.Errorf("consumer.max_batch_size must be > 0")
	}
	if c.Consumer.MaxBatchTime <= 0 {
		return fmt.Errorf("consumer.max_batch_time must be > 0")
	}
	if c.Consumer.MultiProc && c.Consumer.NumWorkers <= 0 {
		return fmt.Errorf("consumer.num_workers must be > 0 when multi_proc is on")
	}
	if c.Consumer.CommitInterval <= 0 {
		return fmt.Errorf("consumer.commit_interval must be > 0")
	}

	// dedup
	if c.Dedup.Enabled && c.Dedup.URL == "" {
		return fmt.Errorf("dedup.url is required when dedup.enabled")
	}

	// telemetry
	if c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required")
	}
	if c.Telemetry.SamplerRatio < 0 || c.Telemetry.SamplerRatio > 1 {
		return fmt.Errorf("telemetry.sampler_ratio must be within [0.0, 1.0]")
	}

	// logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// http
	return validateHTTP(&c.HTTP)
}

func validateHTTP(h *HTTPConfig) error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Debug print
// -----------------------------------------------------------------------------

func (c *Config) Print() {
	b, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}

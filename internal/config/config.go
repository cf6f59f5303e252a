package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every tracebridge environment override, for example
// TRACEBRIDGE_LANGSMITH_API_KEY or TRACEBRIDGE_SERVER_PORT.
const EnvPrefix = "TRACEBRIDGE"

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Capture       CaptureConfig       `yaml:"capture"`
	LangSmith     LangSmithConfig     `yaml:"langsmith"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Correlation   CorrelationConfig   `yaml:"correlation"`
	Spool         SpoolConfig         `yaml:"spool"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host" split_words:"true"`
	Port int    `yaml:"port" split_words:"true"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

type ProviderConfig struct {
	Upstream string `yaml:"upstream" split_words:"true"`
	Prefix   string `yaml:"prefix" split_words:"true"`
}

type CaptureConfig struct {
	BodyMaxSize int `yaml:"body_max_size" split_words:"true"`
}

// LangSmithConfig describes the trace ingestion backend.
type LangSmithConfig struct {
	APIKey               string  `yaml:"api_key" split_words:"true"`
	Endpoint             string  `yaml:"endpoint" split_words:"true"`
	Project              string  `yaml:"project" split_words:"true"`
	SessionName          string  `yaml:"session_name" split_words:"true"`
	BatchSize            int     `yaml:"batch_size" split_words:"true"`
	FlushIntervalMS      int     `yaml:"flush_interval_ms" split_words:"true"`
	RequestTimeoutMS     int     `yaml:"request_timeout_ms" split_words:"true"`
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" split_words:"true"`
	Debug                bool    `yaml:"debug" split_words:"true"`
}

func (c LangSmithConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

func (c LangSmithConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// RunSessionName is the session_name stamped on every run. It falls back to
// the project when no explicit session name is configured.
func (c LangSmithConfig) RunSessionName() string {
	if name := strings.TrimSpace(c.SessionName); name != "" {
		return name
	}
	return strings.TrimSpace(c.Project)
}

type DeliveryConfig struct {
	QueueSize        int `yaml:"queue_size" split_words:"true"`
	MaxQueueSize     int `yaml:"max_queue_size" split_words:"true"`
	DrainMaxFailures int `yaml:"drain_max_failures" split_words:"true"`
}

type CorrelationConfig struct {
	MaxEntries int64 `yaml:"max_entries" split_words:"true"`
	TTLSeconds int   `yaml:"ttl_seconds" split_words:"true"`
}

func (c CorrelationConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

const (
	SpoolDriverNone     = "none"
	SpoolDriverSQLite   = "sqlite"
	SpoolDriverPostgres = "postgres"
)

type SpoolConfig struct {
	Driver        string `yaml:"driver" split_words:"true"`
	Path          string `yaml:"path" split_words:"true"`
	DSN           string `yaml:"dsn" split_words:"true"`
	ReplayOnStart bool   `yaml:"replay_on_start" split_words:"true"`
}

func (c SpoolConfig) Enabled() bool {
	driver := strings.TrimSpace(c.Driver)
	return driver != "" && driver != SpoolDriverNone
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled" split_words:"true"`
	Endpoint               string  `yaml:"endpoint" split_words:"true"`
	Insecure               bool    `yaml:"insecure" split_words:"true"`
	ServiceName            string  `yaml:"service_name" split_words:"true"`
	TracesEnabled          bool    `yaml:"traces_enabled" split_words:"true"`
	MetricsEnabled         bool    `yaml:"metrics_enabled" split_words:"true"`
	PrometheusEnabled      bool    `yaml:"prometheus_enabled" split_words:"true"`
	PrometheusPath         string  `yaml:"prometheus_path" split_words:"true"`
	SamplingRatio          float64 `yaml:"sampling_ratio" split_words:"true"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms" split_words:"true"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms" split_words:"true"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "tracebridge"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
	defaultPrometheusPath             = "/metrics"
)

// Backend limits accepted by Validate.
const (
	MinBatchSize       = 1
	MaxBatchSize       = 100
	MinFlushIntervalMS = 1000
	MaxFlushIntervalMS = 60000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				Upstream: "https://api.openai.com",
				Prefix:   "/openai",
			},
			Anthropic: ProviderConfig{
				Upstream: "https://api.anthropic.com",
				Prefix:   "/anthropic",
			},
		},
		Capture: CaptureConfig{
			BodyMaxSize: 1 << 20,
		},
		LangSmith: LangSmithConfig{
			Endpoint:         "https://api.smith.langchain.com",
			Project:          "default",
			BatchSize:        10,
			FlushIntervalMS:  5000,
			RequestTimeoutMS: 10000,
		},
		Delivery: DeliveryConfig{
			QueueSize:        1024,
			MaxQueueSize:     10000,
			DrainMaxFailures: 3,
		},
		Correlation: CorrelationConfig{
			MaxEntries: 100000,
			TTLSeconds: 3600,
		},
		Spool: SpoolConfig{
			Driver: SpoolDriverNone,
			Path:   "./data/tracebridge-spool.db",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				PrometheusPath:         defaultPrometheusPath,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid environment override: %w", err)
	}
	if err := applyOTelEnv(&cfg.Observability.OTel); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	if err := validateProvider("providers.openai", cfg.Providers.OpenAI); err != nil {
		return err
	}
	if err := validateProvider("providers.anthropic", cfg.Providers.Anthropic); err != nil {
		return err
	}
	if cfg.Capture.BodyMaxSize <= 0 {
		return fmt.Errorf("capture.body_max_size must be > 0 (got %d)", cfg.Capture.BodyMaxSize)
	}

	if err := ValidateLangSmith(cfg.LangSmith); err != nil {
		return err
	}

	if cfg.Delivery.QueueSize <= 0 {
		return fmt.Errorf("delivery.queue_size must be > 0 (got %d)", cfg.Delivery.QueueSize)
	}
	if cfg.Delivery.MaxQueueSize < 0 {
		return fmt.Errorf("delivery.max_queue_size must be >= 0 (got %d)", cfg.Delivery.MaxQueueSize)
	}
	if cfg.Delivery.MaxQueueSize > 0 && cfg.Delivery.MaxQueueSize < cfg.LangSmith.BatchSize {
		return fmt.Errorf("delivery.max_queue_size must be 0 or >= langsmith.batch_size (got %d)", cfg.Delivery.MaxQueueSize)
	}
	if cfg.Delivery.DrainMaxFailures <= 0 {
		return fmt.Errorf("delivery.drain_max_failures must be > 0 (got %d)", cfg.Delivery.DrainMaxFailures)
	}

	if cfg.Correlation.MaxEntries <= 0 {
		return fmt.Errorf("correlation.max_entries must be > 0 (got %d)", cfg.Correlation.MaxEntries)
	}
	if cfg.Correlation.TTLSeconds < 0 {
		return fmt.Errorf("correlation.ttl_seconds must be >= 0 (got %d)", cfg.Correlation.TTLSeconds)
	}

	switch driver := strings.TrimSpace(cfg.Spool.Driver); driver {
	case "", SpoolDriverNone:
		if cfg.Spool.ReplayOnStart {
			return errors.New("spool.replay_on_start requires spool.driver to be sqlite or postgres")
		}
	case SpoolDriverSQLite:
		if strings.TrimSpace(cfg.Spool.Path) == "" {
			return errors.New("spool.path is required when spool.driver=sqlite")
		}
	case SpoolDriverPostgres:
		if strings.TrimSpace(cfg.Spool.DSN) == "" {
			return errors.New("spool.dsn is required when spool.driver=postgres")
		}
	default:
		return fmt.Errorf("spool.driver must be one of none, sqlite, postgres (got %q)", cfg.Spool.Driver)
	}

	if err := validateOTelConfig(cfg.Observability.OTel, cfg.Providers); err != nil {
		return err
	}

	return nil
}

// ValidateLangSmith checks the backend settings needed before the bridge can
// be activated. The api key is required; an empty key blocks activation.
func ValidateLangSmith(cfg LangSmithConfig) error {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return errors.New("langsmith.api_key is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return errors.New("langsmith.endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse langsmith.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("langsmith.endpoint must include scheme and host (got %q)", cfg.Endpoint)
	}
	if cfg.BatchSize < MinBatchSize || cfg.BatchSize > MaxBatchSize {
		return fmt.Errorf("langsmith.batch_size must be between %d and %d (got %d)", MinBatchSize, MaxBatchSize, cfg.BatchSize)
	}
	if cfg.FlushIntervalMS < MinFlushIntervalMS || cfg.FlushIntervalMS > MaxFlushIntervalMS {
		return fmt.Errorf("langsmith.flush_interval_ms must be between %d and %d (got %d)", MinFlushIntervalMS, MaxFlushIntervalMS, cfg.FlushIntervalMS)
	}
	if cfg.RequestTimeoutMS <= 0 {
		return fmt.Errorf("langsmith.request_timeout_ms must be > 0 (got %d)", cfg.RequestTimeoutMS)
	}
	if cfg.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("langsmith.max_requests_per_second must be >= 0 (got %f)", cfg.MaxRequestsPerSecond)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig, providers ProvidersConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.PrometheusEnabled {
		path := strings.TrimSpace(cfg.PrometheusPath)
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("observability.otel.prometheus_path must start with '/' (got %q)", cfg.PrometheusPath)
		}
		for _, reserved := range []string{"/api", providers.OpenAI.Prefix, providers.Anthropic.Prefix} {
			if hasPathPrefix(path, reserved) {
				return fmt.Errorf("observability.otel.prometheus_path must not overlap %q (got %q)", reserved, cfg.PrometheusPath)
			}
		}
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		if cfg.PrometheusEnabled {
			return nil
		}
		return errors.New("observability.otel requires traces_enabled, metrics_enabled, and/or prometheus_enabled when enabled")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	prefix := strings.TrimSpace(provider.Prefix)
	if prefix == "" {
		return fmt.Errorf("%s.prefix is required", name)
	}
	if !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("%s.prefix must start with '/' (got %q)", name, provider.Prefix)
	}
	if prefix == "/api" || hasPathPrefix(prefix, "/api") {
		return fmt.Errorf("%s.prefix must not overlap /api (got %q)", name, provider.Prefix)
	}

	upstream := strings.TrimSpace(provider.Upstream)
	if upstream == "" {
		return fmt.Errorf("%s.upstream is required", name)
	}
	parsed, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("parse %s.upstream: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s.upstream must include scheme and host (got %q)", name, provider.Upstream)
	}

	return nil
}

func hasPathPrefix(path, prefix string) bool {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// applyOTelEnv honors the standard OTEL_* variables on top of the
// TRACEBRIDGE_OBSERVABILITY_OTEL_* overlay. Setting any of them enables the
// SDK unless OTEL_SDK_DISABLED says otherwise.
func applyOTelEnv(cfg *OTelConfig) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		switch strings.ToLower(tracesExporter) {
		case "otlp":
			cfg.TracesEnabled = true
		case "none":
			cfg.TracesEnabled = false
		default:
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: must be one of otlp, none (got %q)", tracesExporter)
		}
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		switch strings.ToLower(metricsExporter) {
		case "otlp":
			cfg.MetricsEnabled = true
		case "prometheus":
			cfg.MetricsEnabled = false
			cfg.PrometheusEnabled = true
		case "none":
			cfg.MetricsEnabled = false
		default:
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: must be one of otlp, prometheus, none (got %q)", metricsExporter)
		}
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/tracebridge/internal/config"
	"github.com/ongoingai/tracebridge/internal/langsmith"
	"github.com/ongoingai/tracebridge/internal/observability"
	"github.com/ongoingai/tracebridge/internal/trace"
	"github.com/ongoingai/tracebridge/internal/version"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// openSpool returns nil when no spool driver is configured.
func openSpool(cfg config.SpoolConfig) (trace.Spool, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case "", config.SpoolDriverNone:
		return nil, nil
	case config.SpoolDriverSQLite:
		spool, err := trace.NewSQLiteSpool(cfg.Path)
		if err != nil {
			return nil, err
		}
		return spool, nil
	case config.SpoolDriverPostgres:
		spool, err := trace.NewPostgresSpool(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return spool, nil
	default:
		return nil, fmt.Errorf("unsupported spool.driver %q", cfg.Driver)
	}
}

func newLangSmithClient(cfg config.LangSmithConfig, runtime *observability.Runtime) (*langsmith.Client, error) {
	return langsmith.New(langsmith.Config{
		APIKey:               cfg.APIKey,
		Endpoint:             cfg.Endpoint,
		Timeout:              cfg.RequestTimeout(),
		MaxRequestsPerSecond: cfg.MaxRequestsPerSecond,
		UserAgent:            version.UserAgent(),
		WrapTransport: func(base http.RoundTripper) http.RoundTripper {
			return runtime.WrapHTTPTransport(base)
		},
	})
}

// checkTimeout bounds the sessions check, which retries a few times within
// one request timeout each.
func checkTimeout(cfg config.LangSmithConfig) time.Duration {
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = langsmith.DefaultTimeout
	}
	return 3 * timeout
}

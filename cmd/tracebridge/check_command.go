package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/ongoingai/tracebridge/internal/config"
	"github.com/ongoingai/tracebridge/internal/langsmith"
	"github.com/ongoingai/tracebridge/internal/observability"
)

type checkReport struct {
	Endpoint    string `json:"endpoint"`
	SessionName string `json:"session_name"`
	Status      string `json:"status"`
	LatencyMS   int64  `json:"latency_ms"`
	StatusCode  int    `json:"status_code,omitempty"`
	Error       string `json:"error,omitempty"`
}

// runCheck verifies that LangSmith accepts the configured api key. It exits
// 0 when reachable, 1 on a failed check and 2 on usage errors.
func runCheck(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("check", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	timeout := flagSet.Duration("timeout", 0, "Overall check timeout (default three request timeouts)")
	rawFormat := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "check does not accept positional arguments")
		return 2
	}
	format, err := normalizeTextJSONFormat("check", *rawFormat, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if *timeout < 0 {
		fmt.Fprintf(errOut, "invalid --timeout %s: must be >= 0\n", *timeout)
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}
	if *timeout == 0 {
		*timeout = checkTimeout(cfg.LangSmith)
	}

	report := checkLangSmith(cfg.LangSmith, *timeout)
	if err := writeCheckReport(out, format, report); err != nil {
		fmt.Fprintf(errOut, "failed to write check report: %v\n", err)
		return 1
	}
	if report.Status != "ok" {
		return 1
	}
	return 0
}

func checkLangSmith(cfg config.LangSmithConfig, timeout time.Duration) checkReport {
	report := checkReport{
		Endpoint:    cfg.Endpoint,
		SessionName: cfg.RunSessionName(),
		Status:      "failed",
	}
	if err := config.ValidateLangSmith(cfg); err != nil {
		report.Error = err.Error()
		return report
	}
	client, err := newLangSmithClient(cfg, nil)
	if err != nil {
		report.Error = observability.ScrubCredentials(err.Error())
		return report
	}
	report.Endpoint = client.Endpoint()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err = client.CheckSessions(ctx)
	report.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		var apiErr *langsmith.APIError
		if errors.As(err, &apiErr) {
			report.StatusCode = apiErr.StatusCode
		}
		report.Error = observability.ScrubCredentials(err.Error())
		return report
	}
	report.Status = "ok"
	return report
}

func writeCheckReport(out io.Writer, format string, report checkReport) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	if _, err := fmt.Fprintf(out, "langsmith endpoint: %s\nsession name: %s\nstatus: %s\n", report.Endpoint, report.SessionName, report.Status); err != nil {
		return err
	}
	if report.Status == "ok" {
		_, err := fmt.Fprintf(out, "latency: %dms\n", report.LatencyMS)
		return err
	}
	_, err := fmt.Fprintf(out, "error: %s\n", report.Error)
	return err
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeLangSmith struct {
	mu   sync.Mutex
	runs []map[string]any
}

func (f *fakeLangSmith) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/sessions":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	case r.Method == http.MethodPost && r.URL.Path == "/runs":
		var run map[string]any
		if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.runs = append(f.runs, run)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeLangSmith) received() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.runs...)
}

func TestRunServeDeliversTracedRunsOnShutdown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected upstream path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"gpt-4o-mini",` +
			`"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],` +
			`"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer upstream.Close()

	backend := &fakeLangSmith{}
	langsmithServer := httptest.NewServer(backend)
	defer langsmithServer.Close()

	port := freeTCPPort(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tracebridge.yaml")
	configBody := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: %d
providers:
  openai:
    upstream: %q
    prefix: /openai
  anthropic:
    upstream: %q
    prefix: /anthropic
langsmith:
  api_key: lsv2_pt_0123456789abcdef
  endpoint: %q
  project: serve-test
  batch_size: 1
  flush_interval_ms: 1000
  request_timeout_ms: 2000
spool:
  driver: sqlite
  path: %q
`, port, upstream.URL, upstream.URL, langsmithServer.URL, filepath.Join(tmpDir, "spool.db"))
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	originalSignalNotifyContext := signalNotifyContext
	t.Cleanup(func() {
		signalNotifyContext = originalSignalNotifyContext
	})

	shutdownCtx, shutdown := context.WithCancel(context.Background())
	t.Cleanup(shutdown)
	signalNotifyContext = func(_ context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return shutdownCtx, func() {}
	}

	exitCodeCh := make(chan int, 1)
	go func() {
		exitCodeCh <- runServe([]string{"--config", configPath})
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForHTTPReady(t, baseURL+"/api/health")

	req, err := http.NewRequest(http.MethodPost, baseURL+"/openai/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Id", "sess-serve")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proxy status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Header.Get("X-Tracebridge-Request-ID") == "" {
		t.Fatal("response missing correlation header")
	}

	shutdown()

	select {
	case code := <-exitCodeCh:
		if code != 0 {
			t.Fatalf("runServe exit code=%d, want 0", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for runServe shutdown")
	}

	runs := backend.received()
	if len(runs) == 0 {
		t.Fatal("langsmith received no runs")
	}
	if runs[0]["run_type"] != "llm" {
		t.Fatalf("run_type=%v, want llm", runs[0]["run_type"])
	}
	if runs[0]["session_name"] != "serve-test" {
		t.Fatalf("session_name=%v, want serve-test", runs[0]["session_name"])
	}
}

func TestRunServeProxiesWhenLangSmithUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-2","model":"gpt-4o-mini","choices":[]}`))
	}))
	defer upstream.Close()

	langsmithServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer langsmithServer.Close()

	port := freeTCPPort(t)
	configPath := filepath.Join(t.TempDir(), "tracebridge.yaml")
	configBody := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: %d
providers:
  openai:
    upstream: %q
    prefix: /openai
langsmith:
  api_key: lsv2_pt_0123456789abcdef
  endpoint: %q
  request_timeout_ms: 1000
`, port, upstream.URL, langsmithServer.URL)
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	originalSignalNotifyContext := signalNotifyContext
	t.Cleanup(func() {
		signalNotifyContext = originalSignalNotifyContext
	})
	shutdownCtx, shutdown := context.WithCancel(context.Background())
	t.Cleanup(shutdown)
	signalNotifyContext = func(_ context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return shutdownCtx, func() {}
	}

	exitCodeCh := make(chan int, 1)
	go func() {
		exitCodeCh <- runServe([]string{"--config", configPath})
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForHTTPReady(t, baseURL+"/api/health")

	healthResp, err := http.Get(baseURL + "/api/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	var health map[string]any
	if err := json.NewDecoder(healthResp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	_ = healthResp.Body.Close()
	if health["status"] != "degraded" {
		t.Fatalf("health status=%v, want degraded", health["status"])
	}

	resp, err := http.Post(baseURL+"/openai/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proxy status=%d, want %d", resp.StatusCode, http.StatusOK)
	}

	shutdown()
	select {
	case code := <-exitCodeCh:
		if code != 0 {
			t.Fatalf("runServe exit code=%d, want 0", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for runServe shutdown")
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen for free port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func waitForHTTPReady(t *testing.T, url string) {
	t.Helper()

	client := &http.Client{Timeout: 200 * time.Millisecond}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", url)
}

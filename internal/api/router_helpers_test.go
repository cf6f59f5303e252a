package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		payload    any
		wantStatus int
		wantBody   string
	}{
		{name: "encoded", status: http.StatusAccepted, payload: map[string]string{"state": "active"}, wantStatus: http.StatusAccepted, wantBody: `{"state":"active"}`},
		{name: "error helper", status: http.StatusServiceUnavailable, payload: nil, wantStatus: http.StatusServiceUnavailable, wantBody: `{"error":"unavailable"}`},
		{name: "unencodable", status: http.StatusOK, payload: map[string]any{"ch": make(chan int)}, wantStatus: http.StatusInternalServerError, wantBody: `{"error":"internal server error"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			if tt.payload == nil {
				writeError(rec, tt.status, "unavailable")
			} else {
				writeJSON(rec, tt.status, tt.payload)
			}

			if rec.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Content-Type"); got != "application/json" {
				t.Fatalf("content-type=%q, want application/json", got)
			}
			var got, want any
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode body %q: %v", rec.Body.String(), err)
			}
			_ = json.Unmarshal([]byte(tt.wantBody), &want)
			if strings.TrimSpace(mustJSON(t, got)) != strings.TrimSpace(mustJSON(t, want)) {
				t.Fatalf("body=%s, want %s", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestUnknownPathsAreNotMethodChecked(t *testing.T) {
	t.Parallel()

	handler := NewRouter(RouterOptions{AppVersion: "test"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusNotFound)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()

	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(out)
}

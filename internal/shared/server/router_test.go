package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

type fakeLog struct {
	head     uint64
	readOnly bool
}

func (f fakeLog) Head() uint64   { return f.head }
func (f fakeLog) ReadOnly() bool { return f.readOnly }

func TestHealthReportsLogState(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		log    fakeLog
		status int
		body   string
	}{
		{"writable", fakeLog{head: 7}, http.StatusOK, "ok"},
		{"read only", fakeLog{head: 3, readOnly: true}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRouter(Options{Log: tc.log})
			req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
			resp := httptest.NewRecorder()
			r.ServeHTTP(resp, req)

			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.Code)
			}
			var payload map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if payload["status"] != tc.body {
				t.Fatalf("unexpected status field: %v", payload["status"])
			}
			if payload["head"] != float64(tc.log.head) {
				t.Fatalf("unexpected head: %v", payload["head"])
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(Options{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "go_goroutines") {
		t.Fatalf("expected go collector output")
	}
}

func TestAddr(t *testing.T) {
	cases := map[string]string{"": ":8080", "9000": ":9000", ":7000": ":7000"}
	for in, want := range cases {
		if got := Addr(in); got != want {
			t.Fatalf("Addr(%q) = %q, want %q", in, got, want)
		}
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tierstore/tierstore/internal/backend"
	"github.com/tierstore/tierstore/internal/cache"
	"github.com/tierstore/tierstore/internal/codec"
	"github.com/tierstore/tierstore/internal/manager"
	"github.com/tierstore/tierstore/internal/syncer"
	"github.com/tierstore/tierstore/pkg/health"
	"github.com/tierstore/tierstore/pkg/retry"
	"github.com/tierstore/tierstore/pkg/types"
)

func newTestServer(t *testing.T, withRemote bool) (*Server, *manager.Manager) {
	t.Helper()

	local, err := backend.OpenLocal(backend.MemoryDSN)
	if err != nil {
		t.Fatalf("OpenLocal() error = %v", err)
	}
	tiers := backend.Set{
		types.TierLocal:   local,
		types.TierSession: backend.NewSession(),
		types.TierMemory:  backend.NewMemory(&cache.CacheConfig{MaxSize: 1 << 20, MaxEntries: 100}),
	}
	if withRemote {
		tiers[types.TierRemote] = backend.NewRemote(backend.NewMemoryRemote(), backend.RemoteConfig{Retry: retry.Config{MaxAttempts: 1}})
	}

	c, err := codec.New(codec.Config{Key: bytes.Repeat([]byte{1}, 32)})
	if err != nil {
		t.Fatalf("codec.New() error = %v", err)
	}

	m, err := manager.New(manager.Config{
		Sync: syncer.Config{Enabled: true, Interval: time.Hour},
	}, tiers, c)
	if err != nil {
		t.Fatalf("manager.New() error = %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	return NewServer(DefaultServerConfig(), m, nil), m
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func TestNewServer(t *testing.T) {
	server, m := newTestServer(t, false)

	if server.manager != m {
		t.Error("manager not set correctly")
	}
	if server.httpServer == nil {
		t.Error("HTTP server not initialized")
	}
	if server.httpServer.Addr != DefaultServerConfig().Address {
		t.Errorf("Addr = %q", server.httpServer.Addr)
	}
}

func TestItemLifecycle(t *testing.T) {
	server, _ := newTestServer(t, false)
	h := server.Routes()

	w := do(t, h, http.MethodPut, "/v1/items/profile?tier=session&encrypt=true", []byte(`{"name":"ada","age":36}`))
	if w.Code != http.StatusNoContent {
		t.Fatalf("PUT status = %d, body %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/v1/items/profile?tier=session", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	value, ok := resp["value"].(map[string]interface{})
	if !ok || value["name"] != "ada" {
		t.Errorf("value = %v", resp["value"])
	}
	if resp["encrypted"] != true {
		t.Errorf("encrypted = %v, want true", resp["encrypted"])
	}
	if resp["tier"] != "session" {
		t.Errorf("tier = %v, want session", resp["tier"])
	}

	// other tiers are independent namespaces
	w = do(t, h, http.MethodGet, "/v1/items/profile", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET local status = %d, want 404", w.Code)
	}

	w = do(t, h, http.MethodDelete, "/v1/items/profile?tier=session", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/v1/items/profile?tier=session", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET after delete status = %d, want 404", w.Code)
	}
	resp = decode(t, w)
	if resp["code"] != "ITEM_NOT_FOUND" || resp["key"] != "profile" {
		t.Errorf("unexpected error body: %v", resp)
	}
}

func TestSetRejectsBadInput(t *testing.T) {
	server, _ := newTestServer(t, false)
	h := server.Routes()

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"not json", "/v1/items/a", "plain text", http.StatusBadRequest},
		{"bad ttl", "/v1/items/a?ttl=soon", `1`, http.StatusBadRequest},
		{"bad flag", "/v1/items/a?compress=maybe", `1`, http.StatusBadRequest},
		{"unknown tier", "/v1/items/a?tier=tape", `1`, http.StatusBadRequest},
		{"remote tier missing", "/v1/items/a?tier=remote", `1`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPut, tt.target, []byte(tt.body))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestSetRejectsOversizedBody(t *testing.T) {
	_, m := newTestServer(t, false)
	config := DefaultServerConfig()
	config.MaxBodySize = 16
	h := NewServer(config, m, nil).Routes()

	w := do(t, h, http.MethodPut, "/v1/items/big", []byte(`"`+strings.Repeat("x", 64)+`"`))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413 (%s)", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/v1/items/big", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("oversized PUT stored a value: status = %d", w.Code)
	}

	w = do(t, h, http.MethodPut, "/v1/items/small", []byte(`"ok"`))
	if w.Code >= 300 {
		t.Errorf("small PUT status = %d (%s)", w.Code, w.Body.String())
	}
}

func TestClearTier(t *testing.T) {
	server, m := newTestServer(t, false)
	h := server.Routes()

	for _, key := range []string{"a", "b", "c"} {
		if w := do(t, h, http.MethodPut, "/v1/items/"+key, []byte(`"v"`)); w.Code != http.StatusNoContent {
			t.Fatalf("PUT %s status = %d", key, w.Code)
		}
	}
	if items, _ := m.Usage(); items != 3 {
		t.Fatalf("items = %d, want 3", items)
	}

	if w := do(t, h, http.MethodDelete, "/v1/items", nil); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", w.Code)
	}
	if items, _ := m.Usage(); items != 0 {
		t.Errorf("items = %d, want 0", items)
	}
}

func TestSyncEndpoints(t *testing.T) {
	server, _ := newTestServer(t, true)
	h := server.Routes()

	do(t, h, http.MethodPut, "/v1/items/k", []byte(`42`))

	w := do(t, h, http.MethodGet, "/v1/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /v1/sync status = %d", w.Code)
	}
	if pending := decode(t, w)["pending_changes"]; pending != float64(1) {
		t.Errorf("pending_changes = %v, want 1", pending)
	}

	w = do(t, h, http.MethodPost, "/v1/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /v1/sync status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["success"] != true || resp["changes"] != float64(1) {
		t.Errorf("unexpected sync result: %v", resp)
	}
}

func TestSyncWithoutRemoteIsSkipped(t *testing.T) {
	server, _ := newTestServer(t, false)

	w := do(t, server.Routes(), http.MethodPost, "/v1/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode(t, w)
	if resp["skipped"] != true {
		t.Errorf("skipped = %v, want true", resp["skipped"])
	}
	if !strings.Contains(resp["error"].(string), "sync") {
		t.Errorf("error = %v", resp["error"])
	}
}

func TestMetricsEndpoints(t *testing.T) {
	server, _ := newTestServer(t, false)
	h := server.Routes()

	do(t, h, http.MethodPut, "/v1/items/m", []byte(`true`))
	do(t, h, http.MethodGet, "/v1/items/m", nil)

	w := do(t, h, http.MethodGet, "/v1/metrics?key=m", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if count := decode(t, w)["count"]; count != float64(2) {
		t.Errorf("count = %v, want 2", count)
	}

	w = do(t, h, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tierstore_") {
		t.Error("prometheus exposition missing tierstore series")
	}
}

func TestMetricsEndpointDisabled(t *testing.T) {
	_, m := newTestServer(t, false)
	config := DefaultServerConfig()
	config.EnableMetrics = false
	server := NewServer(config, m, nil)

	w := do(t, server.Routes(), http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestBenchmarkEndpoint(t *testing.T) {
	server, _ := newTestServer(t, false)

	w := do(t, server.Routes(), http.MethodPost, "/v1/benchmark", []byte(`{"iterations":2,"data_size":64,"concurrency":1}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["run_id"] == "" {
		t.Error("benchmark result has no run id")
	}

	w = do(t, server.Routes(), http.MethodPost, "/v1/benchmark", []byte(`{"iterations":`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed options status = %d, want 400", w.Code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	server, m := newTestServer(t, false)
	h := server.Routes()

	do(t, h, http.MethodPut, "/v1/items/keep?pinned=true", []byte(`1`))
	do(t, h, http.MethodPut, "/v1/items/drop", []byte(`2`))

	w := do(t, h, http.MethodPost, "/v1/cleanup?force=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if evicted := decode(t, w)["evicted"]; evicted != float64(1) {
		t.Errorf("evicted = %v, want 1", evicted)
	}
	if items, _ := m.Usage(); items != 1 {
		t.Errorf("items = %d, want 1", items)
	}

	if w := do(t, h, http.MethodPost, "/v1/cleanup?force=perhaps", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad force flag status = %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	server, m := newTestServer(t, false)
	h := server.Routes()

	w := do(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "healthy" {
		t.Errorf("Expected status=healthy, got %v", resp["status"])
	}

	for i := 0; i < health.DefaultConfig().ErrorThreshold; i++ {
		m.Health().RecordError(string(types.TierLocal), context.DeadlineExceeded)
	}
	w = do(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusPartialContent {
		t.Errorf("Expected status 206, got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/health/components", nil)
	var components []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&components); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(components) != 3 {
		t.Errorf("components = %d, want 3", len(components))
	}
}

func TestUnknownMethod(t *testing.T) {
	server, _ := newTestServer(t, false)

	w := do(t, server.Routes(), http.MethodPost, "/v1/items/x", []byte(`1`))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

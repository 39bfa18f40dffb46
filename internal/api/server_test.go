package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/coordinator"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/downstream"
	"github.com/zulandar/signalbox/internal/fingerprint"
	"github.com/zulandar/signalbox/internal/lease"
	"github.com/zulandar/signalbox/internal/ledger"
	"github.com/zulandar/signalbox/internal/metrics"
)

type testEnv struct {
	router *gin.Engine
	leases *lease.SQLManager
	calls  *atomic.Int32
	fail   *atomic.Bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	env := &testEnv{calls: &atomic.Int32{}, fail: &atomic.Bool{}}
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.calls.Add(1)
		if env.fail.Load() {
			http.Error(w, "workflow crashed", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"reply": "echo: " + r.URL.Query().Get("content")})
	}))
	t.Cleanup(hook.Close)

	m := metrics.New()
	env.leases = lease.NewSQLManager(gdb)
	exec := downstream.New(downstream.Options{URL: hook.URL, MaxRetries: 0}, nil, zerolog.Nop())
	coord, err := coordinator.New(coordinator.Deps{
		Ledger:   ledger.New(gdb),
		Leases:   env.leases,
		Executor: exec,
		Metrics:  m,
		Logger:   zerolog.Nop(),
	}, coordinator.Options{InstanceID: "api-test"})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}

	env.router, err = NewRouter(StartOpts{Coordinator: coord, DB: gdb, Metrics: m, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return env
}

func (env *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

const helloBody = `{"content":"hello","sessionId":"S","idempotencyKey":"k1"}`

func TestNewRouter_RequiresDeps(t *testing.T) {
	if _, err := NewRouter(StartOpts{}); err == nil || !strings.Contains(err.Error(), "coordinator is required") {
		t.Errorf("error = %v, want coordinator is required", err)
	}
	if _, err := NewRouter(StartOpts{Coordinator: &coordinator.Coordinator{}}); err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("error = %v, want db is required", err)
	}
}

func TestStart_RequiresCoordinator(t *testing.T) {
	if err := Start(context.Background(), StartOpts{}); err == nil {
		t.Fatal("expected error without coordinator")
	}
}

func TestSendMessage_Success(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("POST", "/api/v1/messages", helloBody, map[string]string{"X-Request-ID": "client-req-1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Request-ID"); got != "client-req-1" {
		t.Errorf("X-Request-ID = %q, want client-req-1", got)
	}
	out := decode(t, rec)
	if out["requestId"] != "client-req-1" || out["cached"] != false {
		t.Errorf("body = %v", out)
	}
	result, _ := out["result"].(map[string]interface{})
	if result["reply"] != "echo: hello" {
		t.Errorf("result = %v", out["result"])
	}
}

func TestSendMessage_ReplayIsCached(t *testing.T) {
	env := newTestEnv(t)
	env.do("POST", "/api/v1/messages", helloBody, nil)
	rec := env.do("POST", "/api/v1/messages", helloBody, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replay should set Idempotent-Replayed")
	}
	if out := decode(t, rec); out["cached"] != true {
		t.Errorf("cached = %v, want true", out["cached"])
	}
	if env.calls.Load() != 1 {
		t.Errorf("downstream calls = %d, want 1", env.calls.Load())
	}
}

func TestSendMessage_HeaderKeyFallback(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("POST", "/api/v1/messages", `{"content":"hi","sessionId":"S"}`,
		map[string]string{"Idempotency-Key": "hdr-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}

	rec = env.do("GET", "/api/v1/requests/hdr-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status lookup = %d, want 200", rec.Code)
	}
}

func TestSendMessage_BadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", `hello`, "JSON object"},
		{"missing fields", `{}`, "sessionId is required"},
		{"blank content", `{"content":"  ","sessionId":"S","idempotencyKey":"k"}`, "content is required"},
	}
	env := newTestEnv(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("POST", "/api/v1/messages", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			out := decode(t, rec)
			if out["kind"] != "invalid_input" || out["retryable"] != false {
				t.Errorf("body = %v", out)
			}
			if msg, _ := out["error"].(string); !strings.Contains(msg, tt.want) {
				t.Errorf("error = %q, want to contain %q", msg, tt.want)
			}
		})
	}
}

func TestSendMessage_DownstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.fail.Store(true)

	rec := env.do("POST", "/api/v1/messages", helloBody, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if out := decode(t, rec); out["kind"] != "downstream_error" {
		t.Errorf("kind = %v", out["kind"])
	}

	env.fail.Store(false)
	rec = env.do("POST", "/api/v1/messages", helloBody, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("replay status = %d, want 502", rec.Code)
	}
	out := decode(t, rec)
	if out["kind"] != "duplicate_prior_failure" {
		t.Errorf("replay kind = %v", out["kind"])
	}
	if msg, _ := out["error"].(string); !strings.Contains(msg, "workflow crashed") {
		t.Errorf("replay error = %q, want stored failure", msg)
	}
	if env.calls.Load() != 1 {
		t.Errorf("downstream calls = %d, want 1", env.calls.Load())
	}
}

func TestSendMessage_LeaseHeld(t *testing.T) {
	env := newTestEnv(t)
	key := lease.Key{SessionID: "S", ContentHash: fingerprint.ContentHash("hello")}
	if ok, _ := env.leases.Acquire(context.Background(), key, "elsewhere", time.Minute); !ok {
		t.Fatal("seed lease")
	}

	rec := env.do("POST", "/api/v1/messages", helloBody, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	out := decode(t, rec)
	if out["kind"] != "lease_held" || out["retryable"] != true {
		t.Errorf("body = %v", out)
	}
}

func TestRequestStatus(t *testing.T) {
	env := newTestEnv(t)
	env.do("POST", "/api/v1/messages", helloBody, nil)

	rec := env.do("GET", "/api/v1/requests/k1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	out := decode(t, rec)
	if out["status"] != "completed" || out["idempotencyKey"] != "k1" || out["sessionId"] != "S" {
		t.Errorf("body = %v", out)
	}
	if out["result"] == nil {
		t.Error("result should be present for completed entries")
	}

	rec = env.do("GET", "/api/v1/requests/unknown", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown key status = %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("GET", "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if out := decode(t, rec); out["status"] != "ok" {
		t.Errorf("body = %v", out)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do("POST", "/api/v1/messages", helloBody, nil)

	rec := env.do("GET", "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `signalbox_requests_total{outcome="completed"} 1`) {
		t.Errorf("metrics missing completed counter:\n%s", rec.Body.String())
	}
}

func TestRequestID_GeneratedWhenMissing(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("GET", "/healthz", "", nil)
	if id := rec.Header().Get("X-Request-ID"); len(id) != 36 {
		t.Errorf("X-Request-ID = %q, want generated uuid", id)
	}

	long := strings.Repeat("x", 65)
	rec = env.do("GET", "/healthz", "", map[string]string{"X-Request-ID": long})
	if rec.Header().Get("X-Request-ID") == long {
		t.Error("oversized request id should be replaced")
	}
}

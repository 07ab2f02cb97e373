package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/finauth"
	"github.com/MrEthical07/finauth/device"
	"github.com/MrEthical07/finauth/password"
)

func TestKeygenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	args := []string{"-private", filepath.Join(dir, "k", "priv.pem"), "-public", filepath.Join(dir, "k", "pub.pem")}

	var out bytes.Buffer
	if err := runKeygen(args, &out); err != nil {
		t.Fatalf("runKeygen failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "generated") {
		t.Fatalf("unexpected output: %s", out.String())
	}
	first, err := os.ReadFile(filepath.Join(dir, "k", "priv.pem"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	out.Reset()
	if err := runKeygen(args, &out); err != nil {
		t.Fatalf("second runKeygen failed: %v", err)
	}
	second, _ := os.ReadFile(filepath.Join(dir, "k", "priv.pem"))
	if !bytes.Equal(first, second) {
		t.Fatal("existing key pair must not be replaced")
	}
}

func fingerprintLines(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"screen":{"width":%d,"height":1080,"colorDepth":24},"cookieEnabled":true,"hardwareConcurrency":8,"languages":["en"]}`+"\n", 1900+i%5)
	}
	return b.String()
}

func TestTrainWritesLoadableModel(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "samples.jsonl")
	output := filepath.Join(dir, "model.json")
	if err := os.WriteFile(input, []byte(fingerprintLines(40)+"\nnot json\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := runTrain([]string{"-input", input, "-output", output}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected invalid line to fail without -skip-invalid")
	}

	var out bytes.Buffer
	err := runTrain([]string{"-input", input, "-output", output, "-skip-invalid", "-trees", "20"}, &out)
	if err != nil {
		t.Fatalf("runTrain failed: %v", err)
	}
	if !strings.Contains(out.String(), "trained on 40 fingerprints (1 skipped)") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	bundle, err := device.LoadFile(output)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(bundle.Forest.Trees) != 20 {
		t.Fatalf("expected 20 trees, got %d", len(bundle.Forest.Trees))
	}
}

func TestTrainRequiresInput(t *testing.T) {
	if err := runTrain(nil, &bytes.Buffer{}); err == nil {
		t.Fatal("expected missing -input to fail")
	}
}

func TestHashPasswordFromStdin(t *testing.T) {
	var out bytes.Buffer
	if err := runHashPassword(nil, strings.NewReader("admin-password-1\n"), &out); err != nil {
		t.Fatalf("runHashPassword failed: %v", err)
	}
	hash := strings.TrimSpace(out.String())

	v, err := password.NewVerifier(finauth.DefaultConfig().Password.Argon2, -1)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	if !v.Verify("admin-password-1", hash) {
		t.Fatalf("hash %q does not verify", hash)
	}

	if err := runHashPassword(nil, strings.NewReader("short"), &bytes.Buffer{}); !errors.Is(err, password.ErrPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}
}

type stubEngine struct{ events []finauth.SecurityEvent }

func (s stubEngine) RecentEvents(n int) []finauth.SecurityEvent {
	if n < len(s.events) {
		return s.events[:n]
	}
	return s.events
}

type stubHistory struct {
	err      error
	account  string
	limit    int
	response []finauth.SecurityEvent
}

func (s *stubHistory) RecentSecurityEvents(_ context.Context, accountID string, limit int) ([]finauth.SecurityEvent, error) {
	s.account, s.limit = accountID, limit
	return s.response, s.err
}

func testRouter(history *stubHistory, checks map[string]func(context.Context) error) http.Handler {
	events := []finauth.SecurityEvent{
		{ID: "e2", Type: "login_failure", Severity: finauth.SeverityMedium, Timestamp: time.Unix(2, 0)},
		{ID: "e1", Type: "login_success", Severity: finauth.SeverityLow, Timestamp: time.Unix(1, 0)},
	}
	return newRouter(routerDeps{
		engine:  stubEngine{events: events},
		history: history,
		metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("finauth_up 1\n")) }),
		checks:  checks,
	})
}

func TestRouterRecentEvents(t *testing.T) {
	h := testRouter(&stubHistory{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/recent?n=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []finauth.SecurityEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e2" {
		t.Fatalf("unexpected events: %+v", got)
	}

	for _, q := range []string{"0", "-3", "abc", "1001"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/recent?n="+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("n=%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestRouterAccountEvents(t *testing.T) {
	history := &stubHistory{response: []finauth.SecurityEvent{{ID: "p1"}}}
	h := testRouter(history, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/acct-7/events", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if history.account != "acct-7" || history.limit != defaultRecentEvents {
		t.Fatalf("unexpected query: %s %d", history.account, history.limit)
	}

	history.err = errors.New("connection refused to 10.0.0.5")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/acct-7/events", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Fatal("backend error text leaked")
	}
}

func TestRouterHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("down") }

	rec := httptest.NewRecorder()
	testRouter(&stubHistory{}, map[string]func(context.Context) error{"redis": ok, "store": ok}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	testRouter(&stubHistory{}, map[string]func(context.Context) error{"redis": down, "store": ok}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if body["redis"] != "down" || body["store"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestRouterMetricsAndMethods(t *testing.T) {
	h := testRouter(&stubHistory{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "finauth_up") {
		t.Fatalf("unexpected metrics response: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events/recent", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestLoadServerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	content := `
listen: ":8181"
store:
  driver: postgres
  dsn: postgres://localhost/finauth
logging:
  level: debug
amqp:
  url: amqp://localhost
  exchange: sec
  initial_delay: 50ms
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg, err := loadServerConfig(path)
	if err != nil {
		t.Fatalf("loadServerConfig failed: %v", err)
	}
	if cfg.Listen != ":8181" || cfg.Store.Driver != "postgres" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Redis.Addrs[0] != "localhost:6379" || cfg.Logging.Format != "json" {
		t.Fatal("defaults must survive partial files")
	}
	if cfg.AMQP == nil || cfg.AMQP.InitialDelay != 50*time.Millisecond || cfg.Mail != nil {
		t.Fatalf("unexpected optional sections: %+v %+v", cfg.AMQP, cfg.Mail)
	}

	if err := os.WriteFile(path, []byte("bogus: 1\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := loadServerConfig(path); err == nil {
		t.Fatal("expected unknown key to fail")
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	s, closeFn, err := openStore(context.Background(), "sqlite", filepath.Join(t.TempDir(), "ops.db"))
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	defer closeFn()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	if _, _, err := openStore(context.Background(), "mysql", "x"); err == nil {
		t.Fatal("expected unknown driver to fail")
	}
}

type stubReporter struct{}

func (stubReporter) SecurityReport() finauth.SecurityReport {
	return finauth.SecurityReport{SigningAlgorithm: "rs256", Warnings: []string{"device anomaly model not loaded"}}
}

func TestRouterGuardProtectsEventRoutes(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	h := newRouter(routerDeps{
		engine:   stubEngine{},
		reporter: stubReporter{},
		history:  &stubHistory{},
		guard:    deny,
		checks:   map[string]func(context.Context) error{},
	})

	for _, path := range []string{"/events/recent", "/accounts/a/events", "/security/report"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
}

func TestRouterSecurityReport(t *testing.T) {
	h := newRouter(routerDeps{engine: stubEngine{}, reporter: stubReporter{}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/security/report", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report finauth.SecurityReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if report.SigningAlgorithm != "rs256" || len(report.Warnings) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

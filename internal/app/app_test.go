package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voicegate/internal/app"
	"github.com/MrWong99/voicegate/internal/config"
	"github.com/MrWong99/voicegate/internal/health"
	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/pkg/memory"
	memorymock "github.com/MrWong99/voicegate/pkg/memory/mock"
	"github.com/MrWong99/voicegate/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicegate/pkg/provider/llm/mock"
	"github.com/MrWong99/voicegate/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicegate/pkg/provider/stt/mock"
)

const device = "aa:bb:cc:dd:ee:ff"

// testConfig returns a config with one device and mock providers.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Audio:  config.AudioConfig{SampleRate: 16000, Channels: 1},
		Providers: config.ProvidersConfig{
			STT: []config.ProviderEntry{{ID: "stt-main", Name: "mock"}},
			LLM: []config.ProviderEntry{
				{ID: "llm-main", Name: "mock"},
				{ID: "llm-alt", Name: "mock"},
			},
		},
		Devices: []config.DeviceConfig{
			{ID: device, SystemPrompt: "Answer briefly."},
			{ID: "11:22:33:44:55:66"},
		},
	}
}

// providerLog keeps every mock the registry built, keyed by entry ID.
type providerLog struct {
	mu   sync.Mutex
	llms map[string][]*llmmock.Provider
}

func (l *providerLog) last(id string) *llmmock.Provider {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps := l.llms[id]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

// testProviders returns a registry with "mock" factories answering reply.
func testProviders(reply string, completeErr error) (*config.Registry, *providerLog) {
	log := &providerLog{llms: make(map[string][]*llmmock.Provider)}
	reg := config.NewRegistry()
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	reg.RegisterLLM("mock", func(e config.ProviderEntry) (llm.Provider, error) {
		p := &llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: reply},
			CompleteErr:      completeErr,
		}
		log.mu.Lock()
		log.llms[e.ID] = append(log.llms[e.ID], p)
		log.mu.Unlock()
		return p, nil
	})
	return reg, log
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, store memory.Store, reply string, completeErr error, opts ...app.Option) (*app.App, *providerLog) {
	t.Helper()
	reg, log := testProviders(reply, completeErr)
	opts = append([]app.Option{app.WithMemoryStore(store), app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), testConfig(), reg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, log
}

func TestNew_InMemoryBackend(t *testing.T) {
	t.Parallel()

	reg, _ := testProviders("ok", nil)
	cfg := testConfig()
	cfg.Memory = config.MemoryConfig{Backend: config.MemoryInMemory, MaxMessages: 4}

	a, err := app.New(context.Background(), cfg, reg, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer a.Shutdown(context.Background())

	if got := len(a.Checkers()); got != 0 {
		t.Errorf("Checkers() = %d, want 0 for the in-memory store", got)
	}
	if _, err := a.Pipeline().Chat(context.Background(), device, "hello"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()

	reg, _ := testProviders("ok", nil)
	cfg := testConfig()
	cfg.Memory.Backend = "sqlite"

	if _, err := app.New(context.Background(), cfg, reg); err == nil {
		t.Fatal("expected error for unknown memory backend")
	}
}

func TestNew_PostgresBadDSN(t *testing.T) {
	t.Parallel()

	reg, _ := testProviders("ok", nil)
	cfg := testConfig()
	cfg.Memory = config.MemoryConfig{Backend: config.MemoryPostgres, PostgresDSN: "not a dsn ::"}

	if _, err := app.New(context.Background(), cfg, reg); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestNew_PingableStoreAddsChecker(t *testing.T) {
	t.Parallel()

	store := &memorymock.Store{}
	a, _ := newApp(t, store, "ok", nil, app.WithChecker(health.Checker{
		Name:  "whisper_model",
		Check: func(context.Context) error { return nil },
	}))

	names := map[string]bool{}
	for _, c := range a.Checkers() {
		names[c.Name] = true
	}
	if !names["memory"] || !names["whisper_model"] {
		t.Errorf("checkers = %v, want memory and whisper_model", names)
	}
}

func TestHandler_Chat(t *testing.T) {
	t.Parallel()

	store := &memorymock.Store{}
	a, _ := newApp(t, store, "It is noon.", nil)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/devices/"+device+"/chat", "application/json",
		strings.NewReader(`{"text":"what time is it"}`))
	if err != nil {
		t.Fatalf("POST chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Reply string `json:"reply"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Reply != "It is noon." || body.Error != "" {
		t.Errorf("body = %+v", body)
	}
	if got := len(store.Messages(device)); got != 2 {
		t.Errorf("stored messages = %d, want 2", got)
	}
}

func TestHandler_ChatErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		body        string
		completeErr error
		wantStatus  int
	}{
		{name: "malformed body", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "empty text", body: `{"text":""}`, wantStatus: http.StatusBadRequest},
		{name: "model failure", body: `{"text":"hi"}`, completeErr: errors.New("rate limited"), wantStatus: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, _ := newApp(t, &memorymock.Store{}, "unused", tt.completeErr)
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/devices/"+device+"/chat", strings.NewReader(tt.body))
			a.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestHandler_ChatUnknownProvider(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	cfg := testConfig()
	a, err := app.New(context.Background(), cfg, reg,
		app.WithMemoryStore(&memorymock.Store{}), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/devices/"+device+"/chat", strings.NewReader(`{"text":"hi"}`))
	a.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestHandler_SpeechEmptyUpload(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, &memorymock.Store{}, "ok", nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/devices/"+device+"/speech", http.NoBody)
	a.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_ClearAndSessions(t *testing.T) {
	t.Parallel()

	store := &memorymock.Store{}
	a, log := newApp(t, store, "ok", nil)
	h := a.Handler()

	if _, err := a.Pipeline().Chat(context.Background(), device, "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	var sessions struct {
		STT int `json:"stt"`
		LLM int `json:"llm"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sessions.LLM != 1 || sessions.STT != 0 {
		t.Errorf("sessions = %+v, want 1 llm and 0 stt", sessions)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/devices/"+device, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", rec.Code)
	}
	if got := log.last("llm-main").Closed(); got != 1 {
		t.Errorf("provider closed %d times, want 1", got)
	}
	if got := len(store.Messages(device)); got != 0 {
		t.Errorf("history not cleared: %d messages", got)
	}
	if _, l := a.Pipeline().Sessions(); l != 0 {
		t.Errorf("llm sessions after clear = %d, want 0", l)
	}
}

func TestHandler_HealthAndMountedRoutes(t *testing.T) {
	t.Parallel()

	store := &memorymock.Store{PingErr: errors.New("connection refused")}
	metricsHit := false
	a, _ := newApp(t, store, "ok", nil, app.WithHandler("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		metricsHit = true
		w.WriteHeader(http.StatusOK)
	})))
	h := a.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503 with failing memory ping", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !metricsHit {
		t.Error("mounted /metrics handler not called")
	}
}

func TestReload_EvictsChangedProviders(t *testing.T) {
	t.Parallel()

	a, log := newApp(t, &memorymock.Store{}, "ok", nil)
	ctx := context.Background()
	if _, err := a.Pipeline().Chat(ctx, device, "hi"); err != nil {
		t.Fatal(err)
	}
	first := log.last("llm-main")

	old := testConfig()
	next := testConfig()
	next.Providers.LLM[0].Model = "bigger-model"
	if err := a.Reload(ctx, old, next, config.Compare(old, next)); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := first.Closed(); got != 1 {
		t.Errorf("old provider closed %d times, want 1", got)
	}
	if _, err := a.Pipeline().Chat(ctx, device, "again"); err != nil {
		t.Fatal(err)
	}
	if log.last("llm-main") == first {
		t.Error("provider was not rebuilt after reload")
	}
	if a.Pipeline().Config() != next {
		t.Error("pipeline still uses the old config")
	}
}

func TestReload_RemovedDeviceClearsHistory(t *testing.T) {
	t.Parallel()

	store := &memorymock.Store{}
	a, _ := newApp(t, store, "ok", nil)
	ctx := context.Background()
	const other = "11:22:33:44:55:66"
	if _, err := a.Pipeline().Chat(ctx, other, "hi"); err != nil {
		t.Fatal(err)
	}

	old := testConfig()
	next := testConfig()
	next.Devices = next.Devices[:1]
	if err := a.Reload(ctx, old, next, config.Compare(old, next)); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := len(store.Messages(other)); got != 0 {
		t.Errorf("removed device history = %d messages, want 0", got)
	}
	if got := store.CallCount("Clear"); got != 1 {
		t.Errorf("Clear calls = %d, want 1", got)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a, log := newApp(t, &memorymock.Store{}, "ok", nil)
	if _, err := a.Pipeline().Chat(context.Background(), device, "hi"); err != nil {
		t.Fatal(err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if got := log.last("llm-main").Closed(); got != 1 {
		t.Errorf("provider closed %d times, want 1", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, &memorymock.Store{}, "ok", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

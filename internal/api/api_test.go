package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blipee-dev/blipee-fabric/internal/orchestrator"
	apperrors "github.com/blipee-dev/blipee-fabric/pkg/errors"
	"github.com/blipee-dev/blipee-fabric/pkg/health"
	"github.com/blipee-dev/blipee-fabric/pkg/logging"
	"github.com/blipee-dev/blipee-fabric/pkg/ratelimit"
	"github.com/blipee-dev/blipee-fabric/pkg/resilience"
)

type stubProvider struct {
	name string
	err  error
}

func (s *stubProvider) Name() string                         { return s.name }
func (s *stubProvider) Capabilities() []string               { return []string{"chat"} }
func (s *stubProvider) IsAvailable(ctx context.Context) bool { return true }

func (s *stubProvider) Invoke(ctx context.Context, task *orchestrator.Task) (*orchestrator.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &orchestrator.Response{Provider: s.name, Content: "hello"}, nil
}

type testEnv struct {
	router   *gin.Engine
	manager  *resilience.Manager
	registry *orchestrator.Registry
}

func newTestEnv(t *testing.T, providers ...orchestrator.Provider) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := orchestrator.NewRegistry(0.2, 50)
	for _, p := range providers {
		require.NoError(t, registry.Register(p))
	}

	managerCfg := resilience.DefaultManagerConfig()
	managerCfg.DefaultRetry = resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond}
	manager := resilience.NewManager(managerCfg)

	orch := orchestrator.New(orchestrator.DefaultConfig(), registry, manager, nil, nil)

	logger, err := logging.NewLogger(nil)
	require.NoError(t, err)

	healthService := health.NewService(logger, nil)
	healthService.RegisterChecker("resilience", health.NewResilienceChecker(manager, "resilience"))

	router := NewRouter(Deps{
		Logger:  logger,
		Manager: manager,
		Orch:    orch,
		Health:  healthService,
	})

	return &testEnv{router: router, manager: manager, registry: registry}
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestSubmitTask_Success(t *testing.T) {
	env := newTestEnv(t, &stubProvider{name: "stub"})

	w := env.do(http.MethodPost, "/v1/tasks", SubmitTaskRequest{
		Category:             "chat",
		RequiredCapabilities: []string{"chat"},
		Payload:              map[string]interface{}{"prompt": "hi"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSubmitTask_ValidationError(t *testing.T) {
	env := newTestEnv(t, &stubProvider{name: "stub"})

	w := env.do(http.MethodPost, "/v1/tasks", map[string]interface{}{})

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}

func TestSubmitTask_NoProviderAvailable(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/v1/tasks", SubmitTaskRequest{
		Category:             "chat",
		RequiredCapabilities: []string{"chat"},
	})

	require.Equal(t, http.StatusBadGateway, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, "NO_PROVIDER_AVAILABLE", resp.Error.Code)
}

func TestSubmitTask_ProviderFailure(t *testing.T) {
	env := newTestEnv(t, &stubProvider{
		name: "broken",
		err:  apperrors.NewExternalError("broken", "down"),
	})

	w := env.do(http.MethodPost, "/v1/tasks", SubmitTaskRequest{
		Category:             "chat",
		RequiredCapabilities: []string{"chat"},
	})

	require.Equal(t, http.StatusBadGateway, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, "ALL_PROVIDERS_FAILED", resp.Error.Code)
}

func TestAdmin_ResilienceStatus(t *testing.T) {
	env := newTestEnv(t, &stubProvider{name: "stub"})

	// Route one task so an operation entry exists
	env.do(http.MethodPost, "/v1/tasks", SubmitTaskRequest{
		Category:             "chat",
		RequiredCapabilities: []string{"chat"},
	})

	w := env.do(http.MethodGet, "/v1/admin/resilience", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["healthy"])

	ops, ok := data["operations"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, ops, "orchestrator.stub")
}

func TestAdmin_ForceOpenAndReset(t *testing.T) {
	env := newTestEnv(t, &stubProvider{name: "stub"})

	w := env.do(http.MethodPost, "/v1/admin/operations/orchestrator.stub/force-open", nil)
	require.Equal(t, http.StatusOK, w.Code)

	state, known := env.manager.BreakerState("orchestrator.stub")
	require.True(t, known)
	assert.Equal(t, resilience.StateOpen, state)

	// The pinned breaker excludes the provider from routing
	w = env.do(http.MethodPost, "/v1/tasks", SubmitTaskRequest{
		Category:             "chat",
		RequiredCapabilities: []string{"chat"},
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = env.do(http.MethodPost, "/v1/admin/operations/orchestrator.stub/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)

	state, _ = env.manager.BreakerState("orchestrator.stub")
	assert.Equal(t, resilience.StateClosed, state)

	w = env.do(http.MethodPost, "/v1/tasks", SubmitTaskRequest{
		Category:             "chat",
		RequiredCapabilities: []string{"chat"},
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmin_ResetUnknownKeyIsNoOp(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/v1/admin/operations/never-seen/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmin_ListProviders(t *testing.T) {
	env := newTestEnv(t, &stubProvider{name: "stub"})

	w := env.do(http.MethodGet, "/v1/admin/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	providers, ok := resp.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, providers, 1)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := ratelimit.NewMemoryStore(0)
	defer store.Close()
	limiter := ratelimit.NewLimiter(store, nil, "test:")
	rule := ratelimit.Rule{Name: "api", Points: 2, Window: time.Minute}

	router := gin.New()
	router.Use(RateLimitMiddleware(limiter, rule))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

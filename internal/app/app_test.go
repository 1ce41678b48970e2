package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/banf/internal/observability"
	"github.com/odyssey-erp/banf/internal/orderrequest"
	"github.com/odyssey-erp/banf/internal/shared"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ADDR", ":9090")
	t.Setenv("STIMULUS_RATE_LIMIT", "5")
	t.Setenv("BANF_POLICY_MODE", "enforce")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.AppAddr)
	require.Equal(t, 5, cfg.StimulusRateLimit)
	require.Equal(t, "*/30 * * * *", cfg.ReconcileCron)
	require.False(t, cfg.IsProduction())

	mode, ok, err := cfg.Policy.Value(context.Background(), orderrequest.SettingPolicyMode)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "enforce", mode)
}

func TestConfigConnectionOptions(t *testing.T) {
	t.Setenv("PG_MAX_CONNS", "20")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	pool := cfg.Pool("worker")
	require.EqualValues(t, 20, pool.MaxConns)
	require.Equal(t, "banf-worker", pool.ApplicationName)
	redisOpts := cfg.Redis()
	require.Equal(t, "redis:6379", redisOpts.Addr)
	require.Equal(t, 3, redisOpts.DB)
	require.Equal(t, 3, redisOpts.Asynq().DB)
}

func TestLoadConfigRejectsNegativeRedisDB(t *testing.T) {
	t.Setenv("REDIS_DB", "-1")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRejectsInvalidConcurrency(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "0")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json"}, &buf).Info("hello")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "hello", entry["msg"])
	require.Equal(t, "banf", entry["service"])
}

func TestRuntimeTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	require.False(t, InTestMode())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestActorMiddleware(t *testing.T) {
	var seen int64 = -1
	h := ActorMiddleware(quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "17")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, int64(17), seen)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Zero(t, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouterHealthAndReadiness(t *testing.T) {
	cfg := &Config{AppEnv: "test"}
	healthy := true
	router := NewRouter(RouterParams{
		Logger:  quietLogger(),
		Config:  cfg,
		Metrics: observability.NewMetrics(),
		Readiness: []ReadinessCheck{{Name: "postgres", Check: func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("down")
		}}},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"postgres":"ok"}`, rec.Body.String())

	healthy = false
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `banf_http_requests_total{code="200",route="/healthz"} 1`)
}

package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"split-dns/pkg/config"
	"split-dns/pkg/logging"
)

func shutdown(t *testing.T, tel *Telemetry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestNew(t *testing.T) {
	logger := logging.NewDefault()

	tests := []struct {
		cfg         *config.TelemetryConfig
		name        string
		wantServing bool
	}{
		{
			name: "disabled telemetry",
			cfg:  &config.TelemetryConfig{Enabled: false},
		},
		{
			name: "prometheus enabled",
			cfg: &config.TelemetryConfig{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: true,
				PrometheusPort:    0,
			},
			wantServing: true,
		},
		{
			name: "only metrics",
			cfg: &config.TelemetryConfig{
				Enabled:     true,
				ServiceName: "test-service",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel, err := New(context.Background(), tt.cfg, logger)
			require.NoError(t, err)
			defer shutdown(t, tel)

			assert.NotNil(t, tel.MeterProvider())
			if tt.wantServing {
				assert.NotEmpty(t, tel.MetricsAddr())
			} else {
				assert.Empty(t, tel.MetricsAddr())
			}
		})
	}
}

func TestInitMetrics(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: true, ServiceName: "test-service"}, logging.NewDefault())
	require.NoError(t, err)
	defer shutdown(t, tel)

	m, err := tel.InitMetrics()
	require.NoError(t, err)

	assert.NotNil(t, m.QueriesTotal)
	assert.NotNil(t, m.Forwarded)
	assert.NotNil(t, m.RepliesUnmatched)
	assert.NotNil(t, m.CacheEntries)
	assert.NotNil(t, m.StorageRoutesDropped)
}

func TestMetricsExposed(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{
		Enabled:           true,
		ServiceName:       "test-service",
		PrometheusEnabled: true,
		PrometheusPort:    0,
	}, logging.NewDefault())
	require.NoError(t, err)
	defer shutdown(t, tel)

	m, err := tel.InitMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.CacheHit(ctx)
	m.QueryForwarded(ctx, "trusted")
	m.MalformedDatagram(ctx, "local", "question_count")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dns_cache_hits")
	assert.Contains(t, string(body), `upstream="trusted"`)
	assert.Contains(t, string(body), `reason="question_count"`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.QueryReceived(ctx)
		m.PTRAnswered(ctx)
		m.CacheHit(ctx)
		m.QueryForwarded(ctx, "poisoned")
		m.MalformedDatagram(ctx, "trusted", "decode")
		m.ReplyDelivered(ctx)
		m.ReplyUnmatched(ctx, "trusted")
		m.SendFailed(ctx, "client")
		m.CacheEntryAdded(ctx)
		m.CacheEntryEvicted(ctx)
		m.RouteReported(ctx)
		m.RouteDropped(ctx)
		m.RouteInstalled(ctx)
		m.RouteFiltered(ctx)
		m.AddDroppedRoute(ctx, 3)
	})
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoopMetrics()
	require.NotNil(t, m)
	assert.NotPanics(t, func() { m.QueryReceived(context.Background()) })
}

func TestHandlerWithoutPrometheus(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: false}, logging.NewDefault())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTracing(t *testing.T) {
	logger := logging.NewDefault()

	tests := []struct {
		name      string
		cfg       *config.TelemetryConfig
		wantValid bool
	}{
		{"disabled telemetry", &config.TelemetryConfig{TracingEnabled: true}, false},
		{"tracing off", &config.TelemetryConfig{Enabled: true, ServiceName: "test"}, false},
		{"tracing on", &config.TelemetryConfig{Enabled: true, ServiceName: "test", TracingEnabled: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel, err := New(context.Background(), tt.cfg, logger)
			require.NoError(t, err)
			defer shutdown(t, tel)

			_, span := tel.TracerProvider().Tracer("test").Start(context.Background(), "op")
			defer span.End()
			assert.Equal(t, tt.wantValid, span.SpanContext().IsValid())
		})
	}
}

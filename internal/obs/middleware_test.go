package obs_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/quote-composer/internal/obs"
)

func TestHTTPMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("quote", []float64{10, 1}, registry)
	handler := obs.HTTPObs{Metrics: metrics}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/options/abc/recompute", nil)
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/api/v1/options/{id}/recompute"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodPost, "/api/v1/options/{id}/recompute", "202")))
	require.NotZero(t, testutil.CollectAndCount(metrics.ReqDur))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.InFlight))
}

func TestHTTPMetricsReuseRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := obs.NewHTTPMetrics("quote", nil, registry)
	second := obs.NewHTTPMetrics("quote", nil, registry)
	require.Same(t, first.ReqTotal, second.ReqTotal)
}

func TestRequestLoggerAddsRouteAndOptionID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := chi.NewRouter()
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Get("/api/v1/options/{id}", func(w http.ResponseWriter, r *http.Request) {
		reqLogger := obs.LoggerFromContext(r.Context(), zerolog.Nop())
		reqLogger.Debug().Msg("inside")
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/options/opt-9", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	require.Equal(t, "http_request", entry["message"])
	require.Equal(t, "/api/v1/options/{id}", entry["route"])
	require.Equal(t, "opt-9", entry["option_id"])
	require.Equal(t, float64(http.StatusOK), entry["status"])
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	rec := obs.NewStatusRecorder(httptest.NewRecorder())
	rec.WriteHeader(http.StatusConflict)
	rec.WriteHeader(http.StatusOK)
	_, err := rec.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, rec.Status())
	require.Equal(t, int64(3), rec.BytesWritten())
}

func TestParseBucketsCSV(t *testing.T) {
	require.Nil(t, obs.ParseBucketsCSV(" "))
	require.Equal(t, []float64{5, 50}, obs.ParseBucketsCSV("5, x, -1, 0, 50"))
}

func TestDomainMetricsRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()
	obs.MustRegisterDomainMetrics("quote", registry)
	require.NotNil(t, obs.QuoteFlushTotal)
	require.NotNil(t, obs.QuoteMarginDivergenceTotal)
	require.NotNil(t, obs.OptionRecomputeTotal)

	before := testutil.ToFloat64(obs.QuoteMarginDivergenceTotal)
	obs.QuoteMarginDivergenceTotal.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(obs.QuoteMarginDivergenceTotal))
}

package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestPipelineMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	tel := WithMeterProvider("shipyard-test", metric.NewMeterProvider(metric.WithReader(reader)))

	pm, err := tel.PipelineMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	pm.RecordStage(ctx, "Test", "success", 2*time.Second)
	pm.RecordStage(ctx, "Security", "failed", time.Second)
	pm.RecordStage(ctx, "Deploy", "skipped", 0)
	pm.RecordRun(ctx, false)

	got := collect(t, reader)

	outcomes, ok := got["pipeline_stage_outcomes_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range outcomes.DataPoints {
		total += dp.Value
	}
	assert.EqualValues(t, 3, total)

	hist, ok := got["pipeline_stage_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.EqualValues(t, 2, count, "skipped stages carry no duration")

	runs, ok := got["pipeline_runs_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, runs.DataPoints, 1)
	result, _ := runs.DataPoints[0].Attributes.Value("result")
	assert.Equal(t, "failure", result.AsString())
}

func TestRequestMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	tel := WithMeterProvider("shipyard-test", metric.NewMeterProvider(metric.WithReader(reader)))

	r := chi.NewRouter()
	r.Use(tel.RequestInFlight(), tel.RequestDuration(), tel.WithRouteTag())
	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+id, nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}

	got := collect(t, reader)
	hist, ok := got["request_duration_millis"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1, "both requests share the route pattern")
	route, _ := hist.DataPoints[0].Attributes.Value("http.route")
	assert.Equal(t, "/runs/{id}", route.AsString())
	assert.EqualValues(t, 2, hist.DataPoints[0].Count)
}

func TestNoop(t *testing.T) {
	tel := Noop()
	_, span := tel.TraceStart(context.Background(), "stage")
	span.End()

	pm, err := tel.PipelineMetrics()
	require.NoError(t, err)
	pm.RecordRun(context.Background(), true)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

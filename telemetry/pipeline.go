package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// PipelineMetrics are the instruments the executor records into.
type PipelineMetrics struct {
	stageDuration otelmetric.Float64Histogram
	stageOutcomes otelmetric.Int64Counter
	runs          otelmetric.Int64Counter
}

func (t *Telemetry) PipelineMetrics() (*PipelineMetrics, error) {
	duration, err := t.meter.Float64Histogram(
		"pipeline_stage_duration_seconds",
		otelmetric.WithDescription("Wall time of each executed pipeline stage."),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create stage duration histogram: %w", err)
	}

	outcomes, err := t.meter.Int64Counter(
		"pipeline_stage_outcomes_total",
		otelmetric.WithDescription("Pipeline stages by final status."),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create stage outcome counter: %w", err)
	}

	runs, err := t.meter.Int64Counter(
		"pipeline_runs_total",
		otelmetric.WithDescription("Completed pipeline runs by result."),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create run counter: %w", err)
	}

	return &PipelineMetrics{stageDuration: duration, stageOutcomes: outcomes, runs: runs}, nil
}

func (m *PipelineMetrics) RecordStage(ctx context.Context, stage, status string, d time.Duration) {
	attrs := otelmetric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	)
	m.stageOutcomes.Add(ctx, 1, attrs)
	if status != "skipped" {
		m.stageDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func (m *PipelineMetrics) RecordRun(ctx context.Context, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.runs.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("result", result)))
}

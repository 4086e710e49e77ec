package vault

import (
	"context"
	"sync"
	"time"

	"digitalvault/pkg/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	vaultTelemetryOnce   sync.Once
	vaultTracer          trace.Tracer
	vaultPipelineLatency metric.Float64Histogram
	vaultPipelineCounter metric.Int64Counter
	vaultFailureCounter  metric.Int64Counter
	vaultLockWait        metric.Float64Histogram
)

func initVaultTelemetry() {
	vaultTelemetryOnce.Do(func() {
		vaultTracer = otel.Tracer("digitalvault/services/vault")
		meter := otel.GetMeterProvider().Meter("digitalvault/services/vault")

		var err error
		if vaultPipelineLatency, err = meter.Float64Histogram(
			"digitalvault_vault_pipeline_duration_ms",
			metric.WithDescription("Duration of create and unlock pipelines in milliseconds"),
			metric.WithUnit("ms"),
		); err != nil {
			logger.Warn("Failed to register pipeline latency metric: %v", err)
		}

		if vaultPipelineCounter, err = meter.Int64Counter(
			"digitalvault_vault_pipelines_total",
			metric.WithDescription("Total pipeline runs grouped by pipeline and outcome"),
		); err != nil {
			logger.Warn("Failed to register pipeline counter: %v", err)
		}

		if vaultFailureCounter, err = meter.Int64Counter(
			"digitalvault_vault_pipeline_failures_total",
			metric.WithDescription("Pipeline failures grouped by step and error code"),
		); err != nil {
			logger.Warn("Failed to register pipeline failure counter: %v", err)
		}

		if vaultLockWait, err = meter.Float64Histogram(
			"digitalvault_vault_lock_wait_ms",
			metric.WithDescription("Time spent waiting for the per-capsule lock"),
			metric.WithUnit("ms"),
		); err != nil {
			logger.Warn("Failed to register lock wait metric: %v", err)
		}
	})
}

func startPipelineSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	initVaultTelemetry()
	if vaultTracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return vaultTracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// recordPipeline closes out one pipeline run. The span is annotated but not
// ended here.
func recordPipeline(ctx context.Context, span trace.Span, pipeline string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
		code := models.CodeOf(err)
		step := string(models.StepOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		span.SetAttributes(attribute.String("vault.failure.code", code), attribute.String("vault.failure.step", step))
		if vaultFailureCounter != nil {
			vaultFailureCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("pipeline", pipeline),
				attribute.String("step", step),
				attribute.String("code", code),
			))
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("outcome", outcome),
	)
	if vaultPipelineLatency != nil {
		vaultPipelineLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
	if vaultPipelineCounter != nil {
		vaultPipelineCounter.Add(ctx, 1, attrs)
	}
}

func recordLockWait(ctx context.Context, pipeline string, waited time.Duration) {
	if vaultLockWait == nil {
		return
	}
	vaultLockWait.Record(ctx, float64(waited.Milliseconds()), metric.WithAttributes(
		attribute.String("pipeline", pipeline),
	))
}

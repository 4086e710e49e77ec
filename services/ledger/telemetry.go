package ledger

import (
	"context"
	"sync"
	"time"

	"digitalvault/pkg/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ledgerTelemetryOnce   sync.Once
	ledgerRequestLatency  metric.Float64Histogram
	ledgerRequestCounter  metric.Int64Counter
	ledgerDecisionCounter metric.Int64Counter
	ledgerCacheEvents     metric.Int64Counter
)

func initLedgerTelemetry() {
	ledgerTelemetryOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("digitalvault/services/ledger")

		var err error
		if ledgerRequestLatency, err = meter.Float64Histogram(
			"digitalvault_ledger_request_duration_ms",
			metric.WithDescription("Latency of ledger HTTP requests in milliseconds"),
			metric.WithUnit("ms"),
		); err != nil {
			logger.Warn("Failed to register ledger latency metric: %v", err)
		}

		if ledgerRequestCounter, err = meter.Int64Counter(
			"digitalvault_ledger_requests_total",
			metric.WithDescription("Total ledger HTTP requests grouped by route and status"),
		); err != nil {
			logger.Warn("Failed to register ledger request counter: %v", err)
		}

		if ledgerDecisionCounter, err = meter.Int64Counter(
			"digitalvault_ledger_eligibility_decisions_total",
			metric.WithDescription("Eligibility decisions grouped by engine and reason"),
		); err != nil {
			logger.Warn("Failed to register ledger decision counter: %v", err)
		}

		if ledgerCacheEvents, err = meter.Int64Counter(
			"digitalvault_ledger_listing_cache_events_total",
			metric.WithDescription("Listing cache events (hit/miss)"),
		); err != nil {
			logger.Warn("Failed to register ledger cache counter: %v", err)
		}
	})
}

func recordRequest(ctx context.Context, route string, status int, duration time.Duration) {
	initLedgerTelemetry()
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	if ledgerRequestLatency != nil {
		ledgerRequestLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
	if ledgerRequestCounter != nil {
		ledgerRequestCounter.Add(ctx, 1, attrs)
	}
}

func recordDecision(ctx context.Context, engine string, reason models.ReasonCode) {
	initLedgerTelemetry()
	if ledgerDecisionCounter == nil {
		return
	}
	ledgerDecisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("reason", string(reason)),
	))
}

func recordCacheLookup(ctx context.Context, hit bool) {
	initLedgerTelemetry()
	if ledgerCacheEvents == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	ledgerCacheEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Copyright (C) 2025 Quillhaven AI (oss@quillhaven.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package context

import (
	stdctx "context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "quillhaven.studio.context"

var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)

	metricsOnce sync.Once

	assembleDuration    metric.Float64Histogram
	tokensAllocated     metric.Int64Counter
	allocationsTotal    metric.Int64Counter
	allocationsRejected metric.Int64Counter
	distillationsTotal  metric.Int64Counter
	compressionRatio    metric.Float64Histogram
)

// initMetrics creates the package's instruments once. Errors from
// instrument creation are ignored; the otel no-op meter never fails and
// a misconfigured real meter should not break assembly.
func initMetrics() {
	metricsOnce.Do(func() {
		assembleDuration, _ = meter.Float64Histogram(
			"context.assemble.duration",
			metric.WithDescription("Wall time of one context assembly"),
			metric.WithUnit("s"),
		)
		tokensAllocated, _ = meter.Int64Counter(
			"context.tokens.allocated",
			metric.WithDescription("Tokens granted by the allocator"),
		)
		allocationsTotal, _ = meter.Int64Counter(
			"context.allocations.total",
			metric.WithDescription("Allocation requests processed"),
		)
		allocationsRejected, _ = meter.Int64Counter(
			"context.allocations.rejected",
			metric.WithDescription("Allocation requests rejected"),
		)
		distillationsTotal, _ = meter.Int64Counter(
			"context.distillations.total",
			metric.WithDescription("Distillation passes run"),
		)
		compressionRatio, _ = meter.Float64Histogram(
			"context.distillation.ratio",
			metric.WithDescription("Compressed/original token ratio per pass"),
		)
	})
}

// startSpan opens a span under the package tracer.
func startSpan(ctx stdctx.Context, name string, attrs ...attribute.KeyValue) (stdctx.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// recordAssembly records the outcome of one assembly.
func recordAssembly(ctx stdctx.Context, duration time.Duration, tokens int) {
	initMetrics()
	assembleDuration.Record(ctx, duration.Seconds())
	tokensAllocated.Add(ctx, int64(tokens))
}

// recordAllocation records one allocator decision.
func recordAllocation(ctx stdctx.Context, result AllocationResult) {
	initMetrics()
	allocationsTotal.Add(ctx, 1)
	if !result.Success {
		allocationsRejected.Add(ctx, 1)
	}
}

// recordDistillation records one distillation pass.
func recordDistillation(ctx stdctx.Context, result *DistillationResult) {
	initMetrics()
	distillationsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("content_type", result.ContentType.String()),
			attribute.String("trigger", result.Trigger.String()),
			attribute.Bool("failed", result.Failed),
		))
	if !result.Failed {
		compressionRatio.Record(ctx, result.CompressionRatio)
	}
}

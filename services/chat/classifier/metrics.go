// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

var meter = otel.Meter("awaregpt.classifier")

var (
	inferenceDuration metric.Float64Histogram
	inferencesTotal   metric.Int64Counter
	probabilityHist   metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics lazily creates instruments against the global meter
// provider, so whatever provider the binary installs first is used.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		inferenceDuration, err = meter.Float64Histogram(
			"classifier_inference_duration_seconds",
			metric.WithDescription("Hallucination classifier inference latency"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		inferencesTotal, err = meter.Int64Counter(
			"classifier_inferences_total",
			metric.WithDescription("Classifier inferences by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		probabilityHist, err = meter.Float64Histogram(
			"classifier_hallucination_probability",
			metric.WithDescription("Distribution of hallucination probabilities"),
			metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordInference(ctx context.Context, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	inferencesTotal.Add(ctx, 1, attrs)
	inferenceDuration.Record(ctx, d.Seconds(), attrs)
}

func recordScore(ctx context.Context, r datatypes.ScoreResult) {
	if initMetrics() != nil {
		return
	}
	probabilityHist.Record(ctx, r.Probability,
		metric.WithAttributes(attribute.Bool("is_hallucination", r.IsHallucination)))
}

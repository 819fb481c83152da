// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classifier scores feature vectors with an opaque, pre-trained
// hallucination model.
//
// The model runtime sits behind the Backend interface. The bundled
// backend evaluates a logistic-regression artifact stored as YAML; any
// other runtime can be plugged in with NewWithBackend.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gazcn007/aware-gpt/services/chat/activation"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

var tracer = otel.Tracer("awaregpt.classifier")

// Backend is a loaded scoring artifact. Predict receives a rank-1 vector
// of the classifier's feature size and returns named outputs.
type Backend interface {
	Predict(ctx context.Context, features activation.FeatureVector) (Outputs, error)
}

// Config configures New.
type Config struct {
	// ArtifactPath is the YAML logistic-regression artifact.
	ArtifactPath string

	// FeatureSize is the expected input length. Default:
	// activation.DefaultFeatureSize.
	FeatureSize int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Classifier wraps a Backend.
//
// # Description
//
// Loading happens once, at construction. If loading fails the classifier
// stays unloaded and every Score returns ErrModelUnavailable without
// touching a backend. Score keeps no state between calls.
//
// # Thread Safety
//
// Safe for concurrent use provided the Backend is.
type Classifier struct {
	backend     Backend
	featureSize int
	loadErr     error
	logger      *slog.Logger
}

// New loads the artifact at cfg.ArtifactPath.
//
// # Outputs
//
//   - *Classifier: Never nil. Check Loaded or LoadError for the outcome.
func New(cfg Config) *Classifier {
	if cfg.FeatureSize <= 0 {
		cfg.FeatureSize = activation.DefaultFeatureSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Classifier{featureSize: cfg.FeatureSize, logger: cfg.Logger}

	if cfg.ArtifactPath == "" {
		c.loadErr = fmt.Errorf("%w: no artifact configured", datatypes.ErrModelUnavailable)
	} else if lr, err := LoadLogistic(cfg.ArtifactPath, cfg.FeatureSize); err != nil {
		c.loadErr = fmt.Errorf("%w: %v", datatypes.ErrModelUnavailable, err)
	} else {
		c.backend = lr
	}

	if c.loadErr != nil {
		c.logger.Warn("hallucination classifier unloaded, turns will be unscored",
			"artifact", cfg.ArtifactPath, "error", c.loadErr)
	} else {
		c.logger.Info("hallucination classifier loaded",
			"artifact", cfg.ArtifactPath, "feature_size", cfg.FeatureSize)
	}
	return c
}

// NewWithBackend wraps an already loaded backend. A nil backend yields an
// unloaded classifier.
func NewWithBackend(backend Backend, featureSize int, logger *slog.Logger) *Classifier {
	if featureSize <= 0 {
		featureSize = activation.DefaultFeatureSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{backend: backend, featureSize: featureSize, logger: logger}
	if backend == nil {
		c.loadErr = fmt.Errorf("%w: no backend", datatypes.ErrModelUnavailable)
	}
	return c
}

// Loaded reports whether a backend is available.
func (c *Classifier) Loaded() bool {
	return c.backend != nil
}

// LoadError returns why the classifier is unloaded, or nil.
func (c *Classifier) LoadError() error {
	return c.loadErr
}

// FeatureSize returns the expected input length.
func (c *Classifier) FeatureSize() int {
	return c.featureSize
}

// Score runs one inference.
//
// # Description
//
// Fails fast with ErrModelUnavailable when unloaded. Otherwise calls the
// backend, extracts the probability and applies the labelling rule of
// datatypes.NewScoreResult. A cancelled ctx aborts before and after the
// backend call.
//
// # Outputs
//
//   - datatypes.ScoreResult: The verdict.
//   - error: ErrModelUnavailable, ErrModelOutputUnrecognized, ctx.Err(),
//     or a backend error.
func (c *Classifier) Score(ctx context.Context, features activation.FeatureVector) (datatypes.ScoreResult, error) {
	if c.backend == nil {
		return datatypes.ScoreResult{}, c.loadErr
	}
	if err := ctx.Err(); err != nil {
		return datatypes.ScoreResult{}, err
	}
	if len(features) != c.featureSize {
		return datatypes.ScoreResult{}, fmt.Errorf("feature vector length %d, classifier expects %d",
			len(features), c.featureSize)
	}

	ctx, span := tracer.Start(ctx, "classifier.Score",
		trace.WithAttributes(attribute.Int("classifier.feature_size", c.featureSize)))
	defer span.End()

	start := time.Now()
	out, err := c.backend.Predict(ctx, features)
	recordInference(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "predict failed")
		return datatypes.ScoreResult{}, fmt.Errorf("classifier predict: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return datatypes.ScoreResult{}, err
	}

	p, err := extractProbability(out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unrecognized output")
		return datatypes.ScoreResult{}, err
	}

	result := datatypes.NewScoreResult(p, extractLabel(out))
	span.SetAttributes(
		attribute.Float64("classifier.probability", result.Probability),
		attribute.Bool("classifier.is_hallucination", result.IsHallucination),
	)
	recordScore(ctx, result)
	return result, nil
}

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
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gazcn007/aware-gpt/services/chat/activation"
)

// LogisticArtifact is the on-disk form of a logistic-regression probe
// trained on final-layer activations.
//
//	name: awaregpt-probe
//	version: 3
//	feature_size: 2204
//	bias: -0.41
//	weights: [0.013, -0.002, ...]
//	mean: [...]   # optional standardization
//	scale: [...]  # optional, must be non-zero
type LogisticArtifact struct {
	Name        string    `yaml:"name"`
	Version     int       `yaml:"version"`
	FeatureSize int       `yaml:"feature_size"`
	Bias        float64   `yaml:"bias"`
	Weights     []float64 `yaml:"weights"`
	Mean        []float64 `yaml:"mean,omitempty"`
	Scale       []float64 `yaml:"scale,omitempty"`
}

// Validate checks the artifact is internally consistent and matches
// featureSize.
func (a *LogisticArtifact) Validate(featureSize int) error {
	if a.FeatureSize != featureSize {
		return fmt.Errorf("artifact feature_size %d, expected %d", a.FeatureSize, featureSize)
	}
	if len(a.Weights) != a.FeatureSize {
		return fmt.Errorf("artifact has %d weights, expected %d", len(a.Weights), a.FeatureSize)
	}
	if a.Mean != nil && len(a.Mean) != a.FeatureSize {
		return fmt.Errorf("artifact has %d means, expected %d", len(a.Mean), a.FeatureSize)
	}
	if a.Scale != nil {
		if len(a.Scale) != a.FeatureSize {
			return fmt.Errorf("artifact has %d scales, expected %d", len(a.Scale), a.FeatureSize)
		}
		for i, s := range a.Scale {
			if s == 0 {
				return fmt.Errorf("artifact scale[%d] is zero", i)
			}
		}
	}
	return nil
}

// Logistic evaluates a LogisticArtifact. It is immutable after load.
type Logistic struct {
	artifact LogisticArtifact
}

// LoadLogistic reads and validates an artifact.
func LoadLogistic(path string, featureSize int) (*Logistic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classifier artifact: %w", err)
	}
	return ParseLogistic(data, featureSize)
}

// ParseLogistic decodes and validates an artifact from YAML bytes.
func ParseLogistic(data []byte, featureSize int) (*Logistic, error) {
	var a LogisticArtifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse classifier artifact: %w", err)
	}
	if len(a.Weights) == 0 {
		return nil, errors.New("classifier artifact has no weights")
	}
	if err := a.Validate(featureSize); err != nil {
		return nil, err
	}
	return &Logistic{artifact: a}, nil
}

// Predict returns "probabilities" as [p(ok), p(hallucination)] and
// "classLabel" as 0 or 1.
func (l *Logistic) Predict(ctx context.Context, features activation.FeatureVector) (Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := &l.artifact
	if len(features) != len(a.Weights) {
		return nil, fmt.Errorf("got %d features, model has %d weights", len(features), len(a.Weights))
	}

	z := a.Bias
	for i, x := range features {
		v := float64(x)
		if a.Mean != nil {
			v -= a.Mean[i]
		}
		if a.Scale != nil {
			v /= a.Scale[i]
		}
		z += a.Weights[i] * v
	}
	p := sigmoid(z)

	label := int64(0)
	if p > 0.5 {
		label = 1
	}
	return Outputs{
		"probabilities": []float64{1 - p, p},
		"classLabel":    label,
	}, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

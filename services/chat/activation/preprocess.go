// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package activation turns raw per-layer engine activations into the
// fixed-size feature vector consumed by the hallucination classifier.
package activation

import "fmt"

// DefaultFeatureSize is the input width of the bundled classifier.
const DefaultFeatureSize = 2204

// Batch is the activations captured for one completed turn, one row per
// layer (layers x hidden_dim). Rows may have different lengths.
type Batch [][]float32

// Len returns the total number of values across all layers.
func (b Batch) Len() int {
	n := 0
	for _, row := range b {
		n += len(row)
	}
	return n
}

// FeatureVector is a flattened, fixed-length Batch.
type FeatureVector []float32

// Preprocessor reshapes Batches to a fixed size.
//
// # Description
//
// Layers are flattened in order (layer 0 fully before layer 1). Output
// longer than Size is truncated to the first Size values; shorter output
// is right-padded with zeros. An empty batch yields Size zeros.
//
// # Thread Safety
//
// Preprocessor is immutable and safe for concurrent use.
type Preprocessor struct {
	size int
}

// NewPreprocessor returns a Preprocessor producing vectors of length size.
func NewPreprocessor(size int) (*Preprocessor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("feature size must be positive, got %d", size)
	}
	return &Preprocessor{size: size}, nil
}

// Size returns the output length.
func (p *Preprocessor) Size() int {
	return p.size
}

// Preprocess flattens, truncates and pads b. It never fails and never
// retains b.
func (p *Preprocessor) Preprocess(b Batch) FeatureVector {
	out := make(FeatureVector, p.size)
	i := 0
	for _, row := range b {
		if i >= p.size {
			break
		}
		i += copy(out[i:], row)
	}
	return out
}

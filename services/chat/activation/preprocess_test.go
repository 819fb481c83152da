// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package activation

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPreprocessor(t *testing.T, size int) *Preprocessor {
	t.Helper()
	p, err := NewPreprocessor(size)
	require.NoError(t, err)
	return p
}

func TestNewPreprocessor_RejectsNonPositive(t *testing.T) {
	_, err := NewPreprocessor(0)
	assert.Error(t, err)
	_, err = NewPreprocessor(-3)
	assert.Error(t, err)
}

func TestPreprocess_Empty(t *testing.T) {
	p := newTestPreprocessor(t, DefaultFeatureSize)

	for _, in := range []Batch{nil, {}, {{}, {}}} {
		out := p.Preprocess(in)
		require.Len(t, out, DefaultFeatureSize)
		for _, v := range out {
			assert.Zero(t, v)
		}
	}
}

func TestPreprocess_FlattensRowMajorAndPads(t *testing.T) {
	p := newTestPreprocessor(t, 6)

	out := p.Preprocess(Batch{{1, 2}, {3}, {4}})

	assert.Equal(t, FeatureVector{1, 2, 3, 4, 0, 0}, out)
}

func TestPreprocess_Truncates(t *testing.T) {
	p := newTestPreprocessor(t, 3)

	out := p.Preprocess(Batch{{1, 2}, {3, 4}, {5}})

	assert.Equal(t, FeatureVector{1, 2, 3}, out)
}

func TestPreprocess_DoesNotAliasInput(t *testing.T) {
	p := newTestPreprocessor(t, 2)
	in := Batch{{7, 8}}

	out := p.Preprocess(in)
	out[0] = 99

	assert.Equal(t, float32(7), in[0][0])
}

func TestPreprocess_FixedLengthForRandomShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := newTestPreprocessor(t, 64)

	for i := 0; i < 200; i++ {
		layers := rng.Intn(6)
		b := make(Batch, layers)
		for l := range b {
			b[l] = make([]float32, rng.Intn(40))
			for j := range b[l] {
				b[l][j] = rng.Float32()
			}
		}

		out := p.Preprocess(b)

		require.Len(t, out, 64)
		flat := make([]float32, 0, b.Len())
		for _, row := range b {
			flat = append(flat, row...)
		}
		n := min(len(flat), 64)
		assert.Equal(t, flat[:n], []float32(out[:n]))
	}
}

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
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

// =============================================================================
// Backend Outputs
// =============================================================================

// Outputs holds the named outputs of one backend inference.
//
// Recognized value shapes:
//
//   - probability scalar: float64, float32
//   - probability vector: []float64, []float32 (index 1 is the
//     hallucination class when two or more entries are present)
//   - class mapping: map[string]float64, map[int64]float64, map[int]float64
//     (key "1" / 1 is the hallucination class)
//   - label: bool, int, int64, string, or a vector whose first entry is
//     the label
type Outputs map[string]any

// probabilityNames lists probability output names in lookup order.
var probabilityNames = []string{
	"hallucination_probability",
	"probability",
	"probabilities",
	"output_probability",
	"confidence",
	"output",
}

// labelNames lists label output names in lookup order.
var labelNames = []string{
	"label",
	"classLabel",
	"output_label",
	"prediction",
	"class",
}

// hallucinationClass is the class id of the positive label.
const hallucinationClass = 1

// extractProbability finds the hallucination probability in out.
//
// # Description
//
// Known names are tried in order and the first recognizable one wins.
// A known name whose value has an unsupported shape is an error; the
// other outputs are not consulted. When none of the known names is
// present and the backend exposes a single numeric output, that output
// is used. Anything else is ErrModelOutputUnrecognized; no default
// probability is ever returned.
//
// # Outputs
//
//   - float64: Probability in [0, 1].
//   - error: Wraps ErrModelOutputUnrecognized.
func extractProbability(out Outputs) (float64, error) {
	var unsupported []string
	for _, name := range probabilityNames {
		v, ok := out[name]
		if !ok {
			continue
		}
		if p, ok := probabilityFrom(v); ok {
			return checkRange(name, p)
		}
		unsupported = append(unsupported, fmt.Sprintf("%s (%T)", name, v))
	}
	if len(unsupported) > 0 {
		return 0, fmt.Errorf("%w: unsupported probability output %s",
			datatypes.ErrModelOutputUnrecognized, strings.Join(unsupported, ", "))
	}

	var (
		only  string
		value float64
		count int
	)
	for name, v := range out {
		if isLabelName(name) {
			continue
		}
		if p, ok := probabilityFrom(v); ok {
			only, value = name, p
			count++
		}
	}
	if count == 1 {
		return checkRange(only, value)
	}

	return 0, fmt.Errorf("%w: no probability among outputs [%s]",
		datatypes.ErrModelOutputUnrecognized, outputNames(out))
}

// extractLabel reports whether the backend labelled the input as a
// hallucination. Missing or unrecognized labels count as negative.
func extractLabel(out Outputs) bool {
	for _, name := range labelNames {
		v, ok := out[name]
		if !ok {
			continue
		}
		if label, ok := labelFrom(v); ok {
			return label
		}
	}
	return false
}

func probabilityFrom(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case []float64:
		return fromVector(len(x), func(i int) float64 { return x[i] })
	case []float32:
		return fromVector(len(x), func(i int) float64 { return float64(x[i]) })
	case map[string]float64:
		p, ok := x[fmt.Sprint(hallucinationClass)]
		return p, ok
	case map[int64]float64:
		p, ok := x[hallucinationClass]
		return p, ok
	case map[int]float64:
		p, ok := x[hallucinationClass]
		return p, ok
	}
	return 0, false
}

func fromVector(n int, at func(int) float64) (float64, bool) {
	switch {
	case n >= 2:
		return at(hallucinationClass), true
	case n == 1:
		return at(0), true
	}
	return 0, false
}

func labelFrom(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int:
		return x == hallucinationClass, true
	case int64:
		return x == hallucinationClass, true
	case string:
		return strings.TrimSpace(x) == fmt.Sprint(hallucinationClass), true
	case []int64:
		if len(x) > 0 {
			return x[0] == hallucinationClass, true
		}
	case []float64:
		if len(x) > 0 {
			return x[0] == hallucinationClass, true
		}
	case []float32:
		if len(x) > 0 {
			return x[0] == hallucinationClass, true
		}
	}
	return false, false
}

func checkRange(name string, p float64) (float64, error) {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("%w: output %q value %v outside [0,1]",
			datatypes.ErrModelOutputUnrecognized, name, p)
	}
	return p, nil
}

func isLabelName(name string) bool {
	return slices.Contains(labelNames, name)
}

func outputNames(out Outputs) string {
	names := make([]string, 0, len(out))
	for name := range out {
		names = append(names, name)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

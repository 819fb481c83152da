// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// Turn-level error taxonomy. Classify with errors.Is.
//
// ErrModelUnavailable and ErrModelOutputUnrecognized never fail a turn;
// they degrade it to unscored. ErrGenerationTimeout, ErrSessionCancelled
// and engine faults end the turn but keep the partial text.
// ErrEngineNotReady prevents the turn from starting.
var (
	ErrEngineNotReady          = errors.New("generation engine not ready")
	ErrSessionCancelled        = errors.New("generation session cancelled")
	ErrGenerationTimeout       = errors.New("generation timed out")
	ErrModelUnavailable        = errors.New("classifier model unavailable")
	ErrModelOutputUnrecognized = errors.New("classifier output unrecognized")

	// ErrEngineFault matches any *EngineFaultError via errors.Is.
	ErrEngineFault = errors.New("generation engine fault")
)

// EngineFaultError reports a failure raised by the generation engine while
// streaming. Message is shown to the user.
type EngineFaultError struct {
	Message string
	Cause   error
}

// NewEngineFault wraps cause. An empty message falls back to the cause text.
func NewEngineFault(message string, cause error) *EngineFaultError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &EngineFaultError{Message: message, Cause: cause}
}

func (e *EngineFaultError) Error() string {
	return fmt.Sprintf("engine fault: %s", e.Message)
}

func (e *EngineFaultError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrEngineFault) true for every EngineFaultError.
func (e *EngineFaultError) Is(target error) bool {
	return target == ErrEngineFault
}

// Error codes for metrics labels and wire payloads.
const (
	CodeEngineNotReady          = "engine_not_ready"
	CodeSessionCancelled        = "session_cancelled"
	CodeGenerationTimeout       = "generation_timeout"
	CodeModelUnavailable        = "model_unavailable"
	CodeModelOutputUnrecognized = "model_output_unrecognized"
	CodeEngineFault             = "engine_fault"
	CodeUnknown                 = "unknown"
)

// ErrorCode maps err onto a stable code. nil maps to "".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEngineNotReady):
		return CodeEngineNotReady
	case errors.Is(err, ErrSessionCancelled):
		return CodeSessionCancelled
	case errors.Is(err, ErrGenerationTimeout):
		return CodeGenerationTimeout
	case errors.Is(err, ErrModelUnavailable):
		return CodeModelUnavailable
	case errors.Is(err, ErrModelOutputUnrecognized):
		return CodeModelOutputUnrecognized
	case errors.Is(err, ErrEngineFault):
		return CodeEngineFault
	default:
		return CodeUnknown
	}
}

// UserMessage returns the text shown to the user for err. Engine faults
// show their own message.
func UserMessage(err error) string {
	var fault *EngineFaultError
	if errors.As(err, &fault) {
		return fault.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

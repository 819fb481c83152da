// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the application settings file.
package config

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gazcn007/aware-gpt/services/chat/activation"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
	"github.com/gazcn007/aware-gpt/services/chat/observability"
)

var configValidate = validator.New()

// Engine backends.
const (
	BackendOllama   = "ollama"
	BackendOpenAI   = "openai"
	BackendScripted = "scripted"
)

// AppConfig is the whole settings file.
type AppConfig struct {
	Settings   Settings         `yaml:"settings"`
	Engine     EngineConfig     `yaml:"engine"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Settings are the user-facing chat settings.
type Settings struct {
	SystemPrompt  string        `yaml:"system_prompt"`
	Temperature   float64       `yaml:"temperature" validate:"gte=0,lte=1"`
	Seed          uint32        `yaml:"seed"`
	UseRandomSeed bool          `yaml:"use_random_seed"`
	ContextWindow int           `yaml:"context_window" validate:"gte=0"`
	MaxTokens     int           `yaml:"max_tokens" validate:"gte=1"`
	StopSequences []string      `yaml:"stop_sequences" validate:"dive,required"`
	TurnTimeout   time.Duration `yaml:"turn_timeout" validate:"gt=0"`

	// MaxHistory is how many trailing messages are sent to the engine.
	// Zero sends the whole conversation.
	MaxHistory int `yaml:"max_history" validate:"gte=0"`
}

type EngineConfig struct {
	// Backend is "ollama", "openai" or "scripted" (offline echo).
	Backend string `yaml:"backend" validate:"oneof=ollama openai scripted"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model" validate:"required_unless=Backend scripted"`

	// APIKey falls back to $OPENAI_API_KEY for the openai backend.
	APIKey string `yaml:"api_key,omitempty"`
}

type ClassifierConfig struct {
	// ArtifactPath is a logistic-regression probe in YAML. Empty or
	// missing leaves every turn unscored.
	ArtifactPath string `yaml:"artifact_path"`
	FeatureSize  int    `yaml:"feature_size" validate:"gt=0"`
}

type StorageConfig struct {
	Path     string `yaml:"path" validate:"required_without=InMemory"`
	InMemory bool   `yaml:"in_memory"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`

	// RateLimit is requests per second across the server. Zero disables.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// OTLPEndpoint enables gRPC trace export when set.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// Stdout prints spans instead, when no endpoint is set.
	Stdout bool `yaml:"stdout"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() AppConfig {
	return AppConfig{
		Settings: Settings{
			SystemPrompt:  "You are a helpful assistant.",
			Temperature:   0.7,
			Seed:          42,
			UseRandomSeed: true,
			ContextWindow: 2048,
			MaxTokens:     datatypes.DefaultMaxTokens,
			StopSequences: slices.Clone(datatypes.DefaultStopSequences),
			TurnTimeout:   60 * time.Second,
			MaxHistory:    20,
		},
		Engine: EngineConfig{
			Backend: BackendOllama,
			BaseURL: "http://localhost:11434",
			Model:   "qwen2.5:0.5b",
		},
		Classifier: ClassifierConfig{
			ArtifactPath: "~/.awaregpt/probe.yaml",
			FeatureSize:  activation.DefaultFeatureSize,
		},
		Storage: StorageConfig{
			Path: "~/.awaregpt/data",
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:8080",
			RateLimit: 10,
			Burst:     20,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "awaregpt",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.awaregpt/logs",
		},
	}
}

// Validate checks every section.
func (c *AppConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Sampling builds the parameters for one turn. When UseRandomSeed is set
// a fresh seed in [0, MaxRandomSeed] is drawn from rng; a nil rng uses
// the global source.
func (s Settings) Sampling(rng *rand.Rand) datatypes.SamplingConfig {
	seed := s.Seed
	if s.UseRandomSeed {
		if rng != nil {
			seed = uint32(rng.IntN(datatypes.MaxRandomSeed + 1))
		} else {
			seed = uint32(rand.IntN(datatypes.MaxRandomSeed + 1))
		}
	}
	return datatypes.SamplingConfig{
		Temperature:   s.Temperature,
		Seed:          seed,
		MaxTokens:     s.MaxTokens,
		StopSequences: slices.Clone(s.StopSequences),
		ContextWindow: s.ContextWindow,
	}
}

// Exporters maps the telemetry section onto exporter names.
func (t TelemetryConfig) Exporters() (trace, metric string) {
	switch {
	case t.OTLPEndpoint != "":
		trace = observability.ExporterOTLP
	case t.Stdout:
		trace = observability.ExporterStdout
	default:
		trace = observability.ExporterNone
	}
	return trace, observability.ExporterPrometheus
}

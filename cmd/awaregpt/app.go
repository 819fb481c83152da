// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gazcn007/aware-gpt/services/chat/activation"
	"github.com/gazcn007/aware-gpt/services/chat/classifier"
	"github.com/gazcn007/aware-gpt/services/chat/config"
	"github.com/gazcn007/aware-gpt/services/chat/engine"
	"github.com/gazcn007/aware-gpt/services/chat/observability"
	"github.com/gazcn007/aware-gpt/services/chat/orchestrator"
	"github.com/gazcn007/aware-gpt/services/chat/store"
)

// engineLoadTimeout bounds the startup model check.
const engineLoadTimeout = 30 * time.Second

// echoDelay paces the offline engine so streaming is visible.
const echoDelay = 30 * time.Millisecond

// app holds the components shared by the chat and serve commands.
type app struct {
	engine     engine.GenerationEngine
	classifier *classifier.Classifier
	store      *store.BadgerStore
	orch       *orchestrator.Orchestrator
}

// buildApp wires engine, classifier, store and orchestrator from cfg.
//
// # Description
//
// A remote engine that cannot be reached at startup is logged and left
// not ready; turns then fail with an engine-not-ready error instead of
// the command refusing to start. A missing classifier artifact leaves
// turns unscored. Only a store that cannot be opened is fatal.
//
// # Outputs
//
//   - *app: Close it to release the store.
//   - error: Invalid engine configuration or store failure.
func buildApp(ctx context.Context, cfg *config.AppConfig, surface observability.Surface,
	metrics *observability.TurnMetrics, log *slog.Logger) (*app, error) {

	eng, err := newEngine(ctx, cfg.Engine, log)
	if err != nil {
		return nil, err
	}

	clf := classifier.New(classifier.Config{
		ArtifactPath: cfg.Classifier.ArtifactPath,
		FeatureSize:  cfg.Classifier.FeatureSize,
		Logger:       log,
	})

	pre, err := activation.NewPreprocessor(cfg.Classifier.FeatureSize)
	if err != nil {
		return nil, err
	}

	storeCfg := store.DefaultConfig(cfg.Storage.Path)
	if cfg.Storage.InMemory {
		storeCfg = store.InMemoryConfig()
	}
	storeCfg.Logger = log
	st, err := store.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Engine:       eng,
		Preprocessor: pre,
		Classifier:   clf,
		Timeout:      cfg.Settings.TurnTimeout,
		Metrics:      metrics,
		Surface:      surface,
		Logger:       log,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{engine: eng, classifier: clf, store: st, orch: orch}, nil
}

// Close releases the store.
func (a *app) Close() error {
	return a.store.Close()
}

// newEngine builds the configured generation backend.
func newEngine(ctx context.Context, cfg config.EngineConfig, log *slog.Logger) (engine.GenerationEngine, error) {
	loadCtx, cancel := context.WithTimeout(ctx, engineLoadTimeout)
	defer cancel()

	switch cfg.Backend {
	case config.BackendOllama:
		eng, err := engine.NewOllamaEngine(engine.OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Logger:  log,
		})
		if err != nil {
			return nil, err
		}
		if err := eng.Load(loadCtx); err != nil {
			log.Warn("generation engine not ready", "backend", cfg.Backend, "model", cfg.Model, "error", err)
		}
		return eng, nil

	case config.BackendOpenAI:
		eng, err := engine.NewOpenAIEngine(engine.OpenAIConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Logger:  log,
		})
		if err != nil {
			return nil, err
		}
		if err := eng.Load(loadCtx); err != nil {
			log.Warn("generation engine not ready", "backend", cfg.Backend, "model", cfg.Model, "error", err)
		}
		return eng, nil

	case config.BackendScripted:
		return engine.NewEchoEngine(echoDelay), nil

	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}

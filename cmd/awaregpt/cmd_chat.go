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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gazcn007/aware-gpt/pkg/ux"
	"github.com/gazcn007/aware-gpt/services/chat/config"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
	"github.com/gazcn007/aware-gpt/services/chat/observability"
	"github.com/gazcn007/aware-gpt/services/chat/orchestrator"
)

// saveTimeout bounds persisting a conversation after a turn.
const saveTimeout = 5 * time.Second

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := buildApp(ctx, appConfig, observability.SurfaceCLI, nil, logger.Slog())
	if err != nil {
		return err
	}
	defer a.Close()

	conv, err := openConversation(ctx, a, conversationID)
	if err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	p := ux.NewPrinter(os.Stdout)
	p.Title("awaregpt " + version)
	if !a.engine.Ready() {
		p.Error("Model %q is not loaded. Check engine settings in %s.", appConfig.Engine.Model, configPath)
	}
	if !a.classifier.Loaded() {
		p.Muted("Hallucination classifier not loaded; responses will be unscored.")
	}
	p.Muted("Conversation %s. Type /help for commands, Ctrl-C to interrupt.", conv.ID)

	r := &repl{
		app:        a,
		settings:   appConfig.Settings,
		printer:    p,
		interrupts: interrupts,
	}
	return r.run(ctx, conv, os.Stdin)
}

// openConversation resumes id, or starts a new conversation when id is
// empty.
func openConversation(ctx context.Context, a *app, id string) (*datatypes.Conversation, error) {
	if id == "" {
		return datatypes.NewConversation(""), nil
	}
	conv, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resume conversation %s: %w", id, err)
	}
	return conv, nil
}

// repl is the interactive chat loop.
type repl struct {
	app        *app
	settings   config.Settings
	printer    *ux.Printer
	interrupts <-chan os.Signal
}

// run reads lines from in until EOF, /quit, or an interrupt while idle.
// An interrupt during a turn cancels only that turn.
func (r *repl) run(ctx context.Context, conv *datatypes.Conversation, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), datatypes.MaxMessageContentBytes+1)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(r.printer, r.printer.Prompt())

		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				r.printer.Println()
				return nil
			}
			line = strings.TrimSpace(l)
		case <-r.interrupts:
			r.printer.Println()
			return nil
		case <-ctx.Done():
			return nil
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/help":
			r.printer.Muted("/new   start a new conversation")
			r.printer.Muted("/id    print the conversation ID")
			r.printer.Muted("/quit  exit")
			continue
		case "/new":
			conv = datatypes.NewConversation("")
			r.printer.Muted("Conversation %s.", conv.ID)
			continue
		case "/id":
			r.printer.Muted("%s", conv.ID)
			continue
		}

		if len(line) > datatypes.MaxMessageContentBytes {
			r.printer.Error("Message is too long.")
			continue
		}
		r.turn(ctx, conv, line)
	}
}

// turn runs one exchange and saves the conversation afterwards, whatever
// the outcome.
func (r *repl) turn(ctx context.Context, conv *datatypes.Conversation, content string) {
	conv.Append(datatypes.NewMessage(datatypes.RoleUser, content))
	conv.EnsureTitle()

	turnCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-r.interrupts:
			cancel()
		case <-done:
		}
	}()

	req := orchestrator.TurnRequest{
		SystemPrompt: r.settings.SystemPrompt,
		Sampling:     r.settings.Sampling(nil),
		HistoryLimit: r.settings.MaxHistory,
		Timeout:      r.settings.TurnTimeout,
	}
	_, _ = r.app.orch.Converse(turnCtx, conv, req, r.render)
	close(done)
	cancel()

	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancelSave()
	if err := r.app.store.Save(saveCtx, conv); err != nil {
		r.printer.Error("Could not save conversation: %v", err)
	}
}

// render prints turn events as they arrive.
func (r *repl) render(ev datatypes.TurnEvent) error {
	switch ev.Type {
	case datatypes.EventFragment:
		_, err := io.WriteString(r.printer, ev.Text)
		return err
	case datatypes.EventScore:
		r.printer.Println()
		var percent *float64
		flagged := false
		if ev.Score != nil {
			pct := ev.Score.ConfidencePercent()
			percent = &pct
			flagged = ev.Score.IsHallucination
		}
		r.printer.Println(r.printer.ConfidenceBadge(percent, flagged))
	case datatypes.EventError:
		r.printer.Println()
		if errors.Is(ev.Err, datatypes.ErrSessionCancelled) {
			r.printer.Muted("%s", ev.Text)
		} else {
			r.printer.Error("%s", ev.Text)
		}
	}
	return nil
}

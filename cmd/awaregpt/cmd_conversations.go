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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gazcn007/aware-gpt/pkg/ux"
	"github.com/gazcn007/aware-gpt/services/chat/aggregator"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
	"github.com/gazcn007/aware-gpt/services/chat/store"
)

// openStore opens the conversation store alone, for commands that never
// talk to the engine.
func openStore() (*store.BadgerStore, error) {
	cfg := store.DefaultConfig(appConfig.Storage.Path)
	if appConfig.Storage.InMemory {
		cfg = store.InMemoryConfig()
	}
	cfg.Logger = logger.Slog()
	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	return st, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	convs, err := st.List(commandContext(cmd))
	if err != nil {
		return err
	}
	printConversationList(ux.NewPrinter(os.Stdout), convs)
	return nil
}

func runConversationsShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	conv, err := st.Get(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	printConversation(ux.NewPrinter(os.Stdout), conv)
	return nil
}

func runConversationsDelete(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Delete(commandContext(cmd), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %s\n", args[0])
	return nil
}

func runAnalytics(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := commandContext(cmd)
	p := ux.NewPrinter(os.Stdout)
	if len(args) == 1 {
		conv, err := st.Get(ctx, args[0])
		if err != nil {
			return err
		}
		printReport(p, aggregator.Analyze(conv))
		return nil
	}

	convs, err := st.List(ctx)
	if err != nil {
		return err
	}
	printOverview(p, aggregator.Summarize(convs))
	return nil
}

// ===== Rendering =====

// confidenceOf converts a stored hallucination score for display.
func confidenceOf(score *float64) *float64 {
	if score == nil {
		return nil
	}
	pct := datatypes.ConfidencePercent(*score)
	return &pct
}

func printConversationList(p *ux.Printer, convs []*datatypes.Conversation) {
	if len(convs) == 0 {
		p.Muted("No conversations yet.")
		return
	}
	p.Title("Conversations")
	for _, c := range convs {
		flagged := c.AverageConfidence != nil && *c.AverageConfidence > datatypes.HallucinationThreshold
		p.Println(fmt.Sprintf("%s  %s  %-40.40s  %3d msgs  %s",
			c.ID, c.CreatedAt.Local().Format("2006-01-02 15:04"), c.Title,
			len(c.Messages), p.ConfidenceBadge(confidenceOf(c.AverageConfidence), flagged)))
	}
}

func printConversation(p *ux.Printer, conv *datatypes.Conversation) {
	p.Title(conv.Title)
	p.Muted("%s  created %s", conv.ID, conv.CreatedAt.Local().Format("2006-01-02 15:04"))
	for _, m := range conv.Messages {
		p.Println()
		p.Muted("%s:", m.Role)
		p.Println(m.Content)
		if m.Role == datatypes.RoleAssistant {
			flagged := m.HallucinationScore != nil && *m.HallucinationScore > datatypes.HallucinationThreshold
			p.Println(p.ConfidenceBadge(confidenceOf(m.HallucinationScore), flagged))
		}
	}
	if conv.AverageConfidence != nil {
		p.Println()
		p.Muted("Average hallucination score: %.2f", *conv.AverageConfidence)
	}
}

func printBuckets(w io.Writer, b aggregator.Buckets) {
	fmt.Fprintf(w, "  score >= %.1f: %d\n", aggregator.HighThreshold, b.High)
	fmt.Fprintf(w, "  %.1f - %.1f:   %d\n", aggregator.MediumThreshold, aggregator.HighThreshold, b.Medium)
	fmt.Fprintf(w, "  score < %.1f:  %d\n", aggregator.MediumThreshold, b.Low)
}

func printReport(p *ux.Printer, r aggregator.Report) {
	p.Title(r.Title)
	p.Muted("%d assistant responses, %d scored", r.AssistantResponses, r.ScoredResponses)
	if r.Average != nil {
		p.Println(fmt.Sprintf("Average hallucination score: %.3f", *r.Average))
	}
	printBuckets(p, r.Buckets)
	for _, pt := range r.Trend {
		p.Println(fmt.Sprintf("  #%d  %.3f  %s", pt.Index+1, pt.Score, pt.MessageID))
	}
}

func printOverview(p *ux.Printer, o aggregator.Overview) {
	p.Title("Analytics")
	p.Muted("%d conversations, %d scored responses", o.Conversations, o.ScoredResponses)
	if o.Average != nil {
		p.Println(fmt.Sprintf("Average hallucination score: %.3f", *o.Average))
	}
	printBuckets(p, o.Buckets)
	for _, c := range o.Trend {
		p.Println(fmt.Sprintf("  %s  %.3f  %s", c.CreatedAt.Local().Format("2006-01-02"), *c.Average, c.Title))
	}
}

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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gazcn007/aware-gpt/pkg/logging"
	"github.com/gazcn007/aware-gpt/services/chat/config"
)

var version = "dev"

// --- Global Command Variables ---
var (
	configPath     string
	logLevel       string
	conversationID string
	serveAddr      string

	// Populated by PersistentPreRunE.
	appConfig *config.AppConfig
	logger    *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "awaregpt",
		Short: "Local chat with per-response hallucination scoring",
		Long: `awaregpt streams answers from a local language model and rates
each one with a hallucination probe trained on the model's activations.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadAppConfig,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE:  runChat, // Defined in cmd_chat.go
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the streaming chat API over HTTP",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Conversations ---
	conversationsCmd = &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage saved conversations",
	}
	conversationsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List saved conversations, newest first",
		Args:  cobra.NoArgs,
		RunE:  runConversationsList, // Defined in cmd_conversations.go
	}
	conversationsShowCmd = &cobra.Command{
		Use:   "show [id]",
		Short: "Print a conversation with its scores",
		Args:  cobra.ExactArgs(1),
		RunE:  runConversationsShow,
	}
	conversationsDeleteCmd = &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  runConversationsDelete,
	}

	analyticsCmd = &cobra.Command{
		Use:   "analytics [id]",
		Short: "Show confidence analytics for one or all conversations",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAnalytics, // Defined in cmd_conversations.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "awaregpt", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.awaregpt/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	chatCmd.Flags().StringVar(&conversationID, "conversation", "", "resume a saved conversation by ID")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadAppConfig reads the config file, creating it on first run, and
// builds the process logger.
func loadAppConfig(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	configPath = path

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	appConfig = cfg
	logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "awaregpt",
		JSON:    cfg.Logging.JSON,
		// The REPL owns the terminal; records still reach the log file.
		Quiet: cmd == chatCmd && cfg.Logging.Dir != "",
	})
	return nil
}

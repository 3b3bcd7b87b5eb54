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
	"time"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "recall",
		Short: "A CLI for the AleutianRecall conversation server",
		Long: `Recall is the terminal client for an AleutianRecall server:
chat with tiered conversation memory, browse and manage sessions,
and inspect what the assistant remembers about you.`,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Opens a conversation loop against the server. Progress events
(web searches, episodic recalls) stream in as they happen. Piped stdin
runs a single turn and prints the answer, for scripted use.`,
		RunE: runChatCommand,
	}
	chatSessionID string

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Manage conversation sessions",
	}
	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List your sessions, most recent first",
		RunE:  runSessionsList,
	}
	sessionsHistoryCmd = &cobra.Command{
		Use:   "history [session-id]",
		Short: "Print a session's full transcript",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsHistory,
	}
	sessionsDeleteCmd = &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a session, its archive, and its snapshots",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsDelete,
	}

	memoryCmd = &cobra.Command{
		Use:   "memory",
		Short: "Show the facts the assistant remembers about you",
		RunE:  runMemoryCommand,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check whether the server is reachable",
		RunE:  runHealthCommand,
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Create the recall configuration file interactively",
		RunE:  runInitCommand,
	}
)

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "",
		"resume an existing session by id")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsHistoryCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(chatCmd, sessionsCmd, memoryCmd, healthCmd, initCmd)
}

// commandContext bounds non-interactive commands so a dead server fails
// fast instead of hanging the terminal.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func runHealthCommand(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	client := NewClient(config)
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("server unreachable at %s: %w", config.ServerURL, err)
	}
	fmt.Println(renderSuccess("server is up at " + config.ServerURL))
	return nil
}

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
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// runChatCommand dispatches between the interactive loop and one-shot
// piped mode. `echo "question" | recall chat` prints just the answer.
func runChatCommand(cmd *cobra.Command, args []string) error {
	client := NewClient(config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return runPipedTurn(ctx, client)
	}
	return runChatLoop(ctx, client, NewInteractiveInputReader(50, "you ▸ "))
}

// runPipedTurn reads all of stdin as one message and prints the answer.
func runPipedTurn(ctx context.Context, client *Client) error {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	message := strings.TrimSpace(string(raw))
	if message == "" {
		return fmt.Errorf("no input on stdin")
	}

	terminal, err := client.Chat(ctx, chatSessionID, message, config.Streaming, nil)
	if err != nil {
		return err
	}
	if terminal.Kind == datatypes.EventError {
		return fmt.Errorf("turn failed: %s", terminal.Error)
	}
	fmt.Println(terminal.Content)
	return nil
}

// runChatLoop is the interactive conversation loop. The session id from
// the first turn's terminal event carries the conversation forward.
func runChatLoop(ctx context.Context, client *Client, reader InputReader) error {
	sessionID := chatSessionID
	if sessionID != "" {
		fmt.Println(renderMuted("resuming session " + sessionID))
	}
	fmt.Println(renderTitle("recall chat") + renderMuted("  (exit or Ctrl+D to leave)"))

	logger.Info("chat loop started", "session_id", sessionID)

	for {
		if ctx.Err() != nil {
			return nil
		}

		input, err := reader.ReadLine()
		if err == io.EOF {
			fmt.Println(renderMuted("bye"))
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if input == "" {
			continue
		}
		if isExitCommand(input) {
			fmt.Println(renderMuted("bye"))
			return nil
		}

		terminal, err := client.Chat(ctx, sessionID, input, config.Streaming, printProgressEvent)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Println(renderError(err.Error()))
			logger.Error("turn failed", "error", err)
			continue
		}

		if terminal.SessionID != "" {
			sessionID = terminal.SessionID
		}
		if terminal.Kind == datatypes.EventError {
			fmt.Println(renderError(terminal.Error))
			continue
		}
		fmt.Println(renderAssistant(terminal.Content))
	}
}

// printProgressEvent shows a one-line status for each system event.
func printProgressEvent(ev datatypes.StreamEvent) {
	if ev.Kind != datatypes.EventSystem {
		return
	}

	var verb string
	switch ev.Action {
	case datatypes.ActionWebSearch:
		verb = "searching the web"
	case datatypes.ActionEpisodicSearch:
		verb = "recalling earlier conversation"
	default:
		verb = string(ev.Action)
	}

	switch ev.Phase {
	case datatypes.PhaseActive:
		if ev.Query != "" {
			fmt.Println(renderMuted(fmt.Sprintf("… %s: %q", verb, ev.Query)))
		} else {
			fmt.Println(renderMuted("… " + verb))
		}
	case datatypes.PhaseError:
		fmt.Println(renderMuted("… " + verb + " failed, answering without it"))
	}
}

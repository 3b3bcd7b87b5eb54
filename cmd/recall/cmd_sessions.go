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

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	resp, err := NewClient(config).ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(resp.Sessions) == 0 {
		fmt.Println(renderMuted("no sessions yet"))
		return nil
	}

	for _, s := range resp.Sessions {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s\n",
			s.ID,
			s.LastModified.Format("2006-01-02 15:04"),
			renderTitle(title))
	}
	return nil
}

func runSessionsHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	resp, err := NewClient(config).History(ctx, args[0])
	if err != nil {
		return err
	}
	if len(resp.Messages) == 0 {
		fmt.Println(renderMuted("empty session"))
		return nil
	}

	for _, m := range resp.Messages {
		stamp := m.Timestamp.Format("15:04")
		switch m.Role {
		case datatypes.RoleUser:
			fmt.Printf("%s %s %s\n", renderMuted(stamp), renderTitle("you"), m.Content)
		case datatypes.RoleAssistant:
			fmt.Printf("%s %s %s\n", renderMuted(stamp), renderTitle("assistant"), renderAssistant(m.Content))
		default:
			fmt.Printf("%s %s %s\n", renderMuted(stamp), renderMuted(string(m.Role)), renderMuted(m.Content))
		}
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	if err := NewClient(config).DeleteSession(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println(renderSuccess("deleted session " + args[0]))
	return nil
}

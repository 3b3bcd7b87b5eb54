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
)

func runMemoryCommand(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	resp, err := NewClient(config).Memory(ctx)
	if err != nil {
		return err
	}
	if len(resp.UserProfileFacts) == 0 {
		fmt.Println(renderMuted("nothing remembered yet"))
		return nil
	}

	fmt.Println(renderTitle("remembered about you:"))
	for _, fact := range resp.UserProfileFacts {
		fmt.Println("  • " + fact)
	}
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory implements the tiered conversation memory subsystem:
// message persistence, tier management, budgeted context assembly, and
// ceiling-triggered pruning into the episodic archive.
package memory

import (
	"unicode/utf8"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// charsPerToken is the estimation divisor. One token approximates four
// characters of English text. The estimate only needs to preserve
// relative ordering and leave a safety margin; budgets are set with
// that slack in mind.
const charsPerToken = 4

// EstimateTokens approximates the token count of a text by character
// length. The result is ceil(runes/4); the empty string estimates to 0.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// EstimateAtTier estimates the tokens a message contributes when
// rendered at the given tier.
func EstimateAtTier(msg *datatypes.Message, tier datatypes.Tier) int {
	return EstimateTokens(msg.ContentAtTier(tier))
}

// EstimateContextual sums the token estimates of messages at their
// required tiers. This is the quantity the pruner compares against the
// session ceiling.
func EstimateContextual(msgs []datatypes.Message) int {
	total := 0
	for i := range msgs {
		total += EstimateTokens(msgs[i].ContentAtRequiredTier())
	}
	return total
}

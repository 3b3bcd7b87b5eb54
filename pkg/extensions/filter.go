// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
)

// ErrMessageBlocked is returned to callers when the filter rejects a
// message outright. Implementations wrap it with the reason.
var ErrMessageBlocked = errors.New("message blocked by filter")

// Detection is one item the filter found in a message.
type Detection struct {
	// Type categorizes the finding: "ssn", "api_key", "pii",
	// "prompt_injection".
	Type string

	// Location describes where in the message it was found.
	Location string

	// Action is what was done: "redacted", "masked", "blocked",
	// "flagged".
	Action string
}

// FilterResult is the outcome of one filter pass.
type FilterResult struct {
	// Original is the input before filtering.
	Original string

	// Filtered is the text after transformations. Equals Original when
	// WasModified is false; undefined when WasBlocked is set.
	Filtered string

	// WasModified is set when any transformation was applied.
	WasModified bool

	// WasBlocked is set when the message was rejected outright.
	WasBlocked bool

	// BlockReason explains a block, for the audit trail and the user.
	BlockReason string

	// Detections lists what the filter found.
	Detections []Detection
}

// MessageFilter screens chat text at the trust boundary.
//
// # Description
//
// The chat handlers run FilterInput over the user's message before it
// reaches the conversation engine, and FilterOutput over the model's
// final reply before it reaches the client. A filter either transforms
// the text (redact and pass through) or blocks it (WasBlocked plus
// BlockReason); the handler audits blocks and answers 403.
//
// The open source build uses NopMessageFilter, which passes everything
// through; enterprise builds implement PII redaction and content
// policy here.
//
// Implementations must be safe for concurrent use.
type MessageFilter interface {
	// FilterInput screens a user message before the turn runs.
	// The error return is for filter failures only, never for blocks.
	FilterInput(ctx context.Context, message string) (*FilterResult, error)

	// FilterOutput screens the model's reply before it is returned.
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)
}

// NopMessageFilter passes all messages through unchanged.
type NopMessageFilter struct{}

// FilterInput returns the message unchanged.
func (f *NopMessageFilter) FilterInput(_ context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Original: message, Filtered: message}, nil
}

// FilterOutput returns the message unchanged.
func (f *NopMessageFilter) FilterOutput(_ context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Original: message, Filtered: message}, nil
}

var _ MessageFilter = (*NopMessageFilter)(nil)

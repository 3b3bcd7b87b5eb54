// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the request type for the chat endpoint. One request
// runs one conversation turn; the response is the event stream defined in
// events.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single user message.
	// Per SEC-003: Unbounded message input mitigation.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxSessionIDLength bounds the session identifier. Session ids are
	// UUID strings; anything longer is rejected before it reaches
	// storage key construction.
	MaxSessionIDLength = 64
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Register custom validator for message content size (SEC-003)
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed MaxMessageContentBytes.
//
// # Description
//
// Custom validator to enforce SEC-003 message size limits. Checks byte length
// (not rune count) to prevent memory exhaustion attacks with large payloads.
//
// # Inputs
//
//   - fl: Validator field level containing the string to validate
//
// # Outputs
//
//   - bool: true if content <= 32KB, false otherwise
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Chat Request
// =============================================================================

// ChatRequest represents one conversation turn request body.
//
// # Description
//
// ChatRequest carries the user's message plus an optional session id. When
// SessionID is empty the server mints a new session and returns its id in
// the terminal event. Streaming selects NDJSON event streaming; when false
// the handler buffers events and responds with the single terminal event.
//
// # Fields
//
//   - RequestID: Optional. Unique identifier for this request (UUID v4).
//     Generated server-side when absent. Used for tracing and audit logs.
//   - Timestamp: Optional. Unix timestamp in milliseconds (UTC). Filled
//     server-side when absent.
//   - Message: Required. The user's input for this turn. Limited to 32KB
//     (SEC-003 compliance).
//   - SessionID: Optional. Existing session to continue. Must be a UUID v4
//     when present.
//   - Streaming: Optional. True requests application/x-ndjson streaming.
//
// # Validation
//
// Uses go-playground/validator:
//   - RequestID: optional, must be valid UUID v4 when present
//   - Message: required, max 32768 bytes per SEC-003
//   - SessionID: optional, must be valid UUID v4 when present
//
// # Examples
//
//	req := ChatRequest{Message: "Hello", Streaming: true}
//	if err := req.Validate(); err != nil { ... }
type ChatRequest struct {
	RequestID string `json:"request_id,omitempty" validate:"omitempty,uuid4"`
	Timestamp int64  `json:"timestamp,omitempty" validate:"gte=0"`
	Message   string `json:"message" validate:"required,maxbytes"`
	SessionID string `json:"session_id,omitempty" validate:"omitempty,uuid4"`
	Streaming bool   `json:"streaming,omitempty"`
}

// Validate validates the ChatRequest fields.
//
// # Outputs
//
//   - error: Non-nil if validation failed, with details about which field
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates default values for optional fields.
//
// # Description
//
// Generates RequestID and Timestamp if not provided by the client so that
// every turn has proper identifiers for tracing and auditing.
func (r *ChatRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = generateUUID()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// database keys, file paths, or subprocess calls. Using these validators
// prevents injection attacks (key-space injection, command injection, path
// traversal).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches valid user, session, and chunk identifiers.
// Allows: letters, digits, dots, underscores, hyphens. The first rune
// must be alphanumeric so names like ".." or ".hidden" never validate.
// Max length: 64 characters (covers UUIDs with headroom)
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidateIdentifier validates a user, session, or chunk identifier
// before it is used in a storage key or filesystem path.
//
// Valid identifiers:
//   - 1-64 characters
//   - Letters A-Z a-z and digits 0-9
//   - Dots (.), underscores (_), hyphens (-) after the first character
//
// Returns an error if the identifier is invalid.
//
// Example:
//
//	if err := validation.ValidateIdentifier(sessionID); err != nil {
//	    return nil, fmt.Errorf("invalid session id: %w", err)
//	}
//	// Safe to use in a key or path segment
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier format: %q (must be 1-64 alphanumeric chars, dots, underscores, or hyphens)", id)
	}

	// Defense in depth: the pattern already forbids a leading dot, but a
	// traversal sequence must never survive even if the pattern changes.
	if strings.Contains(id, "..") {
		return fmt.Errorf("invalid identifier: %q contains a traversal sequence", id)
	}

	return nil
}

// ValidateIdentifiers validates multiple identifiers.
// Returns an error listing all invalid identifiers if any fail validation.
func ValidateIdentifiers(ids ...string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(id); err != nil {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %v", invalid)
	}
	return nil
}

// SanitizeIdentifier normalizes and validates an identifier.
// Returns the trimmed identifier if valid, or an error if invalid.
//
// Use this when you need both validation and normalization:
//
//	safeID, err := validation.SanitizeIdentifier(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeID is trimmed and validated
func SanitizeIdentifier(id string) (string, error) {
	normalized := strings.TrimSpace(id)
	if err := ValidateIdentifier(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

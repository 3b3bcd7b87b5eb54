// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package facts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// factRules maps first-person statements to stored fact forms.
// Order matters - first match wins within a category, and every
// category is checked, so one message can yield several facts.
var factRules = []struct {
	category string
	pattern  *regexp.Regexp
	format   string
}{
	// Name
	{"name", regexp.MustCompile(`(?i)\bmy name is\s+([\w'.-]{2,30})`), "User's name is %s."},
	{"name", regexp.MustCompile(`(?i)\bcall me\s+([\w'.-]{2,30})`), "User's name is %s."},
	{"name", regexp.MustCompile(`(?i)\bi(?:'m| am) called\s+([\w'.-]{2,30})`), "User's name is %s."},

	// Location
	{"location", regexp.MustCompile(`(?i)\bi live in\s+([\w][\w ,'-]{1,40}?)(?:[.!?;\n]|$)`), "User lives in %s."},
	{"location", regexp.MustCompile(`(?i)\bi(?:'m| am) (?:from|based in)\s+([\w][\w ,'-]{1,40}?)(?:[.!?;\n]|$)`), "User is from %s."},
	{"location", regexp.MustCompile(`(?i)\bi moved to\s+([\w][\w ,'-]{1,40}?)(?:[.!?;\n]|$)`), "User lives in %s."},

	// Project
	{"project", regexp.MustCompile(`(?i)\bi(?:'m| am) (?:working on|building|writing)\s+([\w][\w ,'-]{2,60}?)(?:[.!?;\n]|$)`), "User is working on %s."},
	{"project", regexp.MustCompile(`(?i)\bmy (?:current )?project is\s+([\w][\w ,'-]{2,60}?)(?:[.!?;\n]|$)`), "User is working on %s."},

	// Hobby
	{"hobby", regexp.MustCompile(`(?i)\bmy hobby is\s+([\w][\w ,'-]{2,40}?)(?:[.!?;\n]|$)`), "User enjoys %s."},
	{"hobby", regexp.MustCompile(`(?i)\bi (?:really )?(?:love|enjoy)\s+([\w][\w ,'-]{2,40}?)(?:[.!?;\n]|$)`), "User enjoys %s."},

	// Stack
	{"stack", regexp.MustCompile(`(?i)\bi (?:use|code in|program in|develop in|work with)\s+([\w][\w+#. ,'-]{1,40}?)(?:[.!?;\n]|$)`), "User works with %s."},

	// Timeline
	{"timeline", regexp.MustCompile(`(?i)\bmy deadline is\s+([\w][\w ,'-]{2,40}?)(?:[.!?;\n]|$)`), "User's deadline is %s."},
	{"timeline", regexp.MustCompile(`(?i)\bi need (?:this|it) (?:by|before)\s+([\w][\w ,'-]{2,40}?)(?:[.!?;\n]|$)`), "User needs it by %s."},
}

// forgetCommandPattern recognizes an explicit forget command at the
// start of a message.
var forgetCommandPattern = regexp.MustCompile(`(?i)^\s*(?:please\s+)?forget\s+(?:that\s+|about\s+)?(.{2,200})$`)

// ExtractDeterministic scans the user's message for first-person
// statements and returns them in stored fact form. Only the user's
// text is scanned; the model reply carries no first-person facts
// about the user.
func ExtractDeterministic(userText string) []string {
	var out []string
	matched := make(map[string]struct{})
	for _, rule := range factRules {
		if _, done := matched[rule.category]; done {
			continue
		}
		m := rule.pattern.FindStringSubmatch(userText)
		if m == nil {
			continue
		}
		capture := strings.TrimRight(strings.TrimSpace(m[1]), " ,.")
		if capture == "" {
			continue
		}
		matched[rule.category] = struct{}{}
		out = append(out, fmt.Sprintf(rule.format, capture))
	}
	return out
}

// ParseForgetCommand reports whether text is an explicit forget
// command and returns the remainder to forget.
func ParseForgetCommand(text string) (string, bool) {
	m := forgetCommandPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// =============================================================================
// LLM extraction
// =============================================================================

// CompleteFunc sends one prompt to the model and returns its reply.
type CompleteFunc func(ctx context.Context, prompt string) (string, error)

const extractPrompt = `Extract durable facts about the user from this exchange. A durable fact is worth remembering across conversations: the user's name, location, projects, skills, preferences, deadlines, or relationships. Ignore transient details that only matter inside this conversation.

Respond with ONLY a JSON array of short fact strings (no markdown, no preamble). Each fact must be one complete sentence about the user. Respond with [] when there is nothing durable.

User: %s
Assistant: %s`

// LLMExtractor asks the model for durable facts as a JSON array.
type LLMExtractor struct {
	complete CompleteFunc
	log      *slog.Logger
}

// NewLLMExtractor builds an extractor over a completion function.
func NewLLMExtractor(complete CompleteFunc, log *slog.Logger) *LLMExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &LLMExtractor{complete: complete, log: log}
}

// Extract runs one extraction call. The reply must parse as a JSON
// array of strings; code-fenced replies are unwrapped first. The call
// is best-effort: callers treat an error as "no facts this turn".
func (e *LLMExtractor) Extract(ctx context.Context, userText, assistantText string) ([]string, error) {
	reply, err := e.complete(ctx, fmt.Sprintf(extractPrompt, userText, assistantText))
	if err != nil {
		return nil, fmt.Errorf("fact extraction call: %w", err)
	}
	extracted, err := parseFactArray(reply)
	if err != nil {
		e.log.DebugContext(ctx, "fact extraction reply did not parse",
			"error", err.Error())
		return nil, err
	}
	return extracted, nil
}

// parseFactArray parses a JSON string array, tolerating markdown code
// fences and surrounding prose.
func parseFactArray(reply string) ([]string, error) {
	var factList []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply)), &factList); err == nil {
		return factList, nil
	}

	if cleaned := extractJSONArray(reply); cleaned != "" {
		if err := json.Unmarshal([]byte(cleaned), &factList); err == nil {
			return factList, nil
		}
	}
	return nil, fmt.Errorf("reply is not a JSON string array")
}

// extractJSONArray pulls a JSON array out of code fences or prose.
func extractJSONArray(reply string) string {
	startMarkers := []string{"```json\n", "```json\r\n", "```\n", "```\r\n"}
	const endMarker = "```"

	for _, startMarker := range startMarkers {
		startIdx := strings.Index(reply, startMarker)
		if startIdx == -1 {
			continue
		}
		remaining := reply[startIdx+len(startMarker):]
		endIdx := strings.Index(remaining, endMarker)
		if endIdx == -1 {
			continue
		}
		return strings.TrimSpace(remaining[:endIdx])
	}

	startIdx := strings.Index(reply, "[")
	endIdx := strings.LastIndex(reply, "]")
	if startIdx != -1 && endIdx > startIdx {
		return reply[startIdx : endIdx+1]
	}
	return ""
}

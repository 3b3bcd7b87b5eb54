package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Chat roles in provider wire format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn in the shape every backend accepts.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Complete(ctx context.Context, messages []Message, params GenerationParams) (string, error)
}

// PromptFunc adapts a client to the single-prompt function shape used
// by the summarizer and fact extractor.
func PromptFunc(c LLMClient, params GenerationParams) func(ctx context.Context, prompt string) (string, error) {
	return func(ctx context.Context, prompt string) (string, error) {
		return c.Complete(ctx, []Message{{Role: RoleUser, Content: prompt}}, params)
	}
}

// replyEnvelope covers the JSON wrappers models sometimes emit around
// their actual answer. content_full is preferred when present so a
// structured tiered reply still yields the complete text.
type replyEnvelope struct {
	ContentFull string `json:"content_full"`
	Content     string `json:"content"`
	Response    string `json:"response"`
}

// normalizeReply extracts the canonical answer text from a raw model
// reply. Some models wrap their answer in a JSON envelope, sometimes
// inside a markdown code fence; both layers are peeled when present.
// Replies that are not such an envelope pass through unchanged, so a
// legitimate fenced code snippet in an answer is left alone.
func normalizeReply(raw string) string {
	trimmed := strings.TrimSpace(raw)
	for _, candidate := range []string{trimmed, unwrapCodeFence(trimmed)} {
		if candidate == "" {
			continue
		}
		if content, ok := envelopeContent(candidate); ok {
			return content
		}
	}
	return trimmed
}

// envelopeContent reports the wrapped answer when s is a JSON object
// carrying one of the recognized content fields.
func envelopeContent(s string) (string, bool) {
	if !strings.HasPrefix(s, "{") {
		return "", false
	}
	var env replyEnvelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return "", false
	}
	for _, v := range []string{env.ContentFull, env.Content, env.Response} {
		if v != "" {
			return v, true
		}
	}
	return "", false
}

// unwrapCodeFence returns the body when the entire string is a single
// fenced code block, and "" otherwise.
func unwrapCodeFence(s string) string {
	startMarkers := []string{"```json\n", "```json\r\n", "```\n", "```\r\n"}
	for _, marker := range startMarkers {
		if !strings.HasPrefix(s, marker) {
			continue
		}
		body := s[len(marker):]
		end := strings.LastIndex(body, "```")
		if end == -1 {
			continue
		}
		return strings.TrimSpace(body[:end])
	}
	return ""
}

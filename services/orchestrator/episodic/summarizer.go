// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package episodic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// CompleteFunc is the single-prompt completion the summarizer needs.
// The LLM gateway provides it; tests provide fixtures.
type CompleteFunc func(ctx context.Context, prompt string) (string, error)

const (
	// summarizeMaxRetries is how many times one part is re-attempted
	// after its first failure.
	summarizeMaxRetries = 2

	// summarizeBackoff is the base for exponential retry backoff.
	summarizeBackoff = 500 * time.Millisecond

	// summarizeChunkChars caps the transcript fed to one model call.
	// Longer transcripts are split and their part summaries joined.
	summarizeChunkChars = 6000

	// summarizeChunkOverlap carries context across split boundaries.
	summarizeChunkOverlap = 200
)

const summaryPrompt = `Summarize the following conversation excerpt in 3-5 sentences. Cover the topics discussed, any decisions made, concrete facts stated, and how the exchange concluded. Reply with only the summary.

%s`

// LLMSummarizer produces chunk summaries through the LLM gateway with a
// bounded retry budget.
//
// # Limitations
//
//   - A summary is only as good as the model behind it; the archive
//     never depends on one existing (see PlaceholderSummary).
type LLMSummarizer struct {
	complete CompleteFunc
	log      *slog.Logger

	maxRetries int
	backoff    time.Duration
	splitter   textsplitter.TextSplitter
}

// Compile-time interface check.
var _ Summarizer = (*LLMSummarizer)(nil)

// NewLLMSummarizer builds a summarizer over a completion function.
func NewLLMSummarizer(complete CompleteFunc, log *slog.Logger) *LLMSummarizer {
	if log == nil {
		log = slog.Default()
	}
	return &LLMSummarizer{
		complete:   complete,
		log:        log,
		maxRetries: summarizeMaxRetries,
		backoff:    summarizeBackoff,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(summarizeChunkChars),
			textsplitter.WithChunkOverlap(summarizeChunkOverlap),
			textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
		),
	}
}

// Summarize renders the turns as a transcript and asks the model for a
// 3-5 sentence summary. Oversized transcripts are split and each part
// summarized separately; the parts are joined into one summary.
func (s *LLMSummarizer) Summarize(ctx context.Context, turns []datatypes.Turn) (string, error) {
	transcript := renderTranscript(turns)
	if strings.TrimSpace(transcript) == "" {
		return "", fmt.Errorf("nothing to summarize")
	}

	parts := []string{transcript}
	if len(transcript) > summarizeChunkChars {
		split, err := s.splitter.SplitText(transcript)
		if err != nil {
			return "", fmt.Errorf("split transcript: %w", err)
		}
		parts = split
	}

	summaries := make([]string, 0, len(parts))
	for _, part := range parts {
		summary, err := s.summarizeWithRetry(ctx, part)
		if err != nil {
			return "", err
		}
		summaries = append(summaries, summary)
	}
	return strings.Join(summaries, " "), nil
}

// summarizeWithRetry performs one part's summarization with retry logic.
func (s *LLMSummarizer) summarizeWithRetry(ctx context.Context, part string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			backoff := s.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		reply, err := s.complete(ctx, fmt.Sprintf(summaryPrompt, part))
		if err == nil {
			if trimmed := strings.TrimSpace(reply); trimmed != "" {
				return trimmed, nil
			}
			err = fmt.Errorf("model returned an empty summary")
		}

		lastErr = err

		// Don't retry on context cancellation
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}

		s.log.DebugContext(ctx, "summarization attempt failed, retrying",
			"attempt", attempt+1,
			"max_retries", s.maxRetries,
			"error", err.Error())
	}
	return "", fmt.Errorf("summarization failed after %d attempts: %w", s.maxRetries+1, lastErr)
}

// renderTranscript joins turns as User:/Assistant: pairs.
func renderTranscript(turns []datatypes.Turn) string {
	var sb strings.Builder
	for _, turn := range turns {
		if turn.UserInput != "" {
			sb.WriteString("User: ")
			sb.WriteString(turn.UserInput)
			sb.WriteString("\n")
		}
		if turn.AssistantOutput != "" {
			sb.WriteString("Assistant: ")
			sb.WriteString(turn.AssistantOutput)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

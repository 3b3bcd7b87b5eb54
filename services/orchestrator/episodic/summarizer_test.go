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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

func fastSummarizer(complete CompleteFunc) *LLMSummarizer {
	s := NewLLMSummarizer(complete, nil)
	s.backoff = time.Millisecond
	return s
}

func sampleTurns() []datatypes.Turn {
	return []datatypes.Turn{
		{UserInput: "how do I tune the carburetor", AssistantOutput: "Start with the idle mixture screw."},
	}
}

func TestSummarize_Success(t *testing.T) {
	var prompt string
	s := fastSummarizer(func(_ context.Context, p string) (string, error) {
		prompt = p
		return "  Tuned the carburetor idle mixture.  ", nil
	})

	summary, err := s.Summarize(context.Background(), sampleTurns())
	require.NoError(t, err)
	assert.Equal(t, "Tuned the carburetor idle mixture.", summary)
	assert.Contains(t, prompt, "Summarize the following conversation excerpt")
	assert.Contains(t, prompt, "User: how do I tune the carburetor")
	assert.Contains(t, prompt, "Assistant: Start with the idle mixture screw.")
}

func TestSummarize_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	s := fastSummarizer(func(_ context.Context, _ string) (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("model busy")
		}
		return "Third time lucky.", nil
	})

	summary, err := s.Summarize(context.Background(), sampleTurns())
	require.NoError(t, err)
	assert.Equal(t, "Third time lucky.", summary)
	assert.Equal(t, 3, calls)
}

func TestSummarize_ExhaustsRetryBudget(t *testing.T) {
	calls := 0
	s := fastSummarizer(func(_ context.Context, _ string) (string, error) {
		calls++
		return "", fmt.Errorf("model offline")
	})

	_, err := s.Summarize(context.Background(), sampleTurns())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestSummarize_EmptyReplyCountsAsFailure(t *testing.T) {
	calls := 0
	s := fastSummarizer(func(_ context.Context, _ string) (string, error) {
		calls++
		return "   ", nil
	})

	_, err := s.Summarize(context.Background(), sampleTurns())
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestSummarize_NoRetryOnCancellation(t *testing.T) {
	calls := 0
	s := fastSummarizer(func(_ context.Context, _ string) (string, error) {
		calls++
		return "", context.Canceled
	})

	_, err := s.Summarize(context.Background(), sampleTurns())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation must not be retried")
}

func TestSummarize_EmptyTurns(t *testing.T) {
	called := false
	s := fastSummarizer(func(_ context.Context, _ string) (string, error) {
		called = true
		return "never", nil
	})

	_, err := s.Summarize(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, called)
}

func TestSummarize_SplitsLongTranscripts(t *testing.T) {
	turns := make([]datatypes.Turn, 40)
	for i := range turns {
		turns[i] = datatypes.Turn{
			UserInput:       fmt.Sprintf("question %d %s", i, strings.Repeat("detail ", 14)),
			AssistantOutput: fmt.Sprintf("answer %d %s", i, strings.Repeat("context ", 12)),
		}
	}

	var partSummaries []string
	s := fastSummarizer(func(_ context.Context, _ string) (string, error) {
		summary := fmt.Sprintf("part %d summarized", len(partSummaries)+1)
		partSummaries = append(partSummaries, summary)
		return summary, nil
	})

	summary, err := s.Summarize(context.Background(), turns)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(partSummaries), 2, "a long transcript splits into parts")
	assert.Equal(t, strings.Join(partSummaries, " "), summary)
}

func TestRenderTranscript(t *testing.T) {
	turns := []datatypes.Turn{
		{UserInput: "hello", AssistantOutput: "hi there"},
		{UserInput: "just a note"},
		{AssistantOutput: "proactive reply"},
	}

	got := renderTranscript(turns)
	want := "User: hello\nAssistant: hi there\n\n" +
		"User: just a note\n\n" +
		"Assistant: proactive reply\n\n"
	assert.Equal(t, want, got)
}

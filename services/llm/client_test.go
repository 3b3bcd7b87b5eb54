// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeReply(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		want  string
	}{
		{
			name: "plain text passes through",
			raw:  "The Williwaw needs a new impeller.",
			want: "The Williwaw needs a new impeller.",
		},
		{
			name: "surrounding whitespace trimmed",
			raw:  "  hello \n",
			want: "hello",
		},
		{
			name: "bare json envelope",
			raw:  `{"content": "unwrapped answer"}`,
			want: "unwrapped answer",
		},
		{
			name: "content_full preferred over content",
			raw:  `{"content": "short form", "content_full": "the complete answer"}`,
			want: "the complete answer",
		},
		{
			name: "response field recognized",
			raw:  `{"response": "ollama style"}`,
			want: "ollama style",
		},
		{
			name: "fenced json envelope",
			raw:  "```json\n{\"content\": \"from inside the fence\"}\n```",
			want: "from inside the fence",
		},
		{
			name: "bare fence around envelope",
			raw:  "```\n{\"content\": \"still found\"}\n```",
			want: "still found",
		},
		{
			name: "fenced code answer left alone",
			raw:  "```go\nfunc main() {}\n```",
			want: "```go\nfunc main() {}\n```",
		},
		{
			name: "fenced non-json left alone",
			raw:  "```\nsome shell output\n```",
			want: "```\nsome shell output\n```",
		},
		{
			name: "json without recognized fields passes through",
			raw:  `{"answer": "not an envelope we know"}`,
			want: `{"answer": "not an envelope we know"}`,
		},
		{
			name: "envelope with empty content passes through",
			raw:  `{"content": ""}`,
			want: `{"content": ""}`,
		},
		{
			name: "empty reply",
			raw:  "",
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, normalizeReply(tc.raw))
		})
	}
}

type captureClient struct {
	gotMessages []Message
	gotParams   GenerationParams
	reply       string
	err         error
}

func (c *captureClient) Complete(_ context.Context, messages []Message,
	params GenerationParams) (string, error) {

	c.gotMessages = messages
	c.gotParams = params
	return c.reply, c.err
}

func TestPromptFunc(t *testing.T) {
	temp := float32(0.3)
	fake := &captureClient{reply: "done"}
	fn := PromptFunc(fake, GenerationParams{Temperature: &temp})

	got, err := fn(context.Background(), "summarize this")

	require.NoError(t, err)
	assert.Equal(t, "done", got)
	require.Len(t, fake.gotMessages, 1)
	assert.Equal(t, RoleUser, fake.gotMessages[0].Role)
	assert.Equal(t, "summarize this", fake.gotMessages[0].Content)
	require.NotNil(t, fake.gotParams.Temperature)
	assert.Equal(t, temp, *fake.gotParams.Temperature)
}

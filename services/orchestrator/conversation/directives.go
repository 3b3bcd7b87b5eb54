// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// =============================================================================
// Directive Types
// =============================================================================

// DirectiveType names one of the bracketed tokens the model may embed in
// a reply to steer its own memory.
type DirectiveType string

const (
	// DirectiveRequestTier asks for a message at more detail:
	// [REQUEST_TIER:<level>:<message_id>]
	DirectiveRequestTier DirectiveType = "request_tier"

	// DirectiveSearchEpisodic asks for archived summaries:
	// [SEARCH_EPISODIC:<query>]
	DirectiveSearchEpisodic DirectiveType = "search_episodic"

	// DirectiveSearchDeeper widens an empty episodic search:
	// [SEARCH_DEEPER_EPISODIC]
	DirectiveSearchDeeper DirectiveType = "search_deeper_episodic"

	// DirectiveWebSearch asks for a live web lookup: [SEARCH: <query>]
	DirectiveWebSearch DirectiveType = "web_search"

	// DirectiveFetchEpisode asks for an archived chunk's raw turns:
	// [FETCH_EPISODE:<chunk_id>]
	DirectiveFetchEpisode DirectiveType = "fetch_episode"
)

// Directive is one parsed directive token in discovery order.
//
// # Description
//
// The codec fills only the fields that apply to the directive's type:
// Tier and MessageID for request_tier, Query for the two searches,
// ChunkID for fetch_episode. Raw always holds the matched token so the
// handler can log exactly what the model wrote.
type Directive struct {
	// Type selects which fields below are meaningful.
	Type DirectiveType

	// Tier is the requested detail level. The codec does not validate
	// the range; the handler rejects levels outside {1,2,3}.
	Tier datatypes.Tier

	// MessageID is the target of a tier request.
	MessageID string

	// Query is the search text for episodic and web searches.
	Query string

	// ChunkID is the target of an episode fetch.
	ChunkID string

	// Raw is the matched token text as the model wrote it.
	Raw string
}

// =============================================================================
// Token Grammar
// =============================================================================

// Token patterns. These tolerate the whitespace variants models actually
// produce; anything looser stays literal text.
var (
	tierTokenPattern     = regexp.MustCompile(`\[REQUEST_TIER:(\d+):([^\]]+)\]`)
	episodicTokenPattern = regexp.MustCompile(`\[SEARCH_EPISODIC:([^\]]+)\]`)
	webTokenPattern      = regexp.MustCompile(`\[SEARCH:\s*(.+?)\s*\]`)
	fetchTokenPattern    = regexp.MustCompile(`\[FETCH_EPISODE:\s*([\w\-]+)\s*\]`)
	deeperTokenPattern   = regexp.MustCompile(`\[SEARCH_DEEPER_EPISODIC\]`)
)

// directiveSpan is one match inside a single line.
type directiveSpan struct {
	start, end int
	d          Directive
}

// scanLine finds every directive token in one line, left to right.
// Overlapping matches resolve to the leftmost token.
func scanLine(line string) []directiveSpan {
	var spans []directiveSpan

	for _, m := range tierTokenPattern.FindAllStringSubmatchIndex(line, -1) {
		level, err := strconv.Atoi(line[m[2]:m[3]])
		if err != nil {
			continue
		}
		spans = append(spans, directiveSpan{
			start: m[0],
			end:   m[1],
			d: Directive{
				Type:      DirectiveRequestTier,
				Tier:      datatypes.Tier(level),
				MessageID: strings.TrimSpace(line[m[4]:m[5]]),
				Raw:       line[m[0]:m[1]],
			},
		})
	}
	for _, m := range episodicTokenPattern.FindAllStringSubmatchIndex(line, -1) {
		spans = append(spans, directiveSpan{
			start: m[0],
			end:   m[1],
			d: Directive{
				Type:  DirectiveSearchEpisodic,
				Query: strings.TrimSpace(line[m[2]:m[3]]),
				Raw:   line[m[0]:m[1]],
			},
		})
	}
	for _, m := range webTokenPattern.FindAllStringSubmatchIndex(line, -1) {
		spans = append(spans, directiveSpan{
			start: m[0],
			end:   m[1],
			d: Directive{
				Type:  DirectiveWebSearch,
				Query: strings.TrimSpace(line[m[2]:m[3]]),
				Raw:   line[m[0]:m[1]],
			},
		})
	}
	for _, m := range fetchTokenPattern.FindAllStringSubmatchIndex(line, -1) {
		spans = append(spans, directiveSpan{
			start: m[0],
			end:   m[1],
			d: Directive{
				Type:    DirectiveFetchEpisode,
				ChunkID: line[m[2]:m[3]],
				Raw:     line[m[0]:m[1]],
			},
		})
	}
	for _, m := range deeperTokenPattern.FindAllStringIndex(line, -1) {
		spans = append(spans, directiveSpan{
			start: m[0],
			end:   m[1],
			d: Directive{
				Type: DirectiveSearchDeeper,
				Raw:  line[m[0]:m[1]],
			},
		})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	out := spans[:0]
	lastEnd := 0
	for _, sp := range spans {
		if sp.start < lastEnd {
			continue
		}
		out = append(out, sp)
		lastEnd = sp.end
	}
	return out
}

// soleDirective reports whether a trimmed line is exactly one directive
// token and nothing else. Used inside fenced code, where embedded tokens
// are treated as code.
func soleDirective(trimmed string) (Directive, bool) {
	spans := scanLine(trimmed)
	if len(spans) == 1 && spans[0].start == 0 && spans[0].end == len(trimmed) {
		return spans[0].d, true
	}
	return Directive{}, false
}

// stripArtifacts removes tokens that only become directive-shaped after
// an enclosing token was cut out of the line. Artifacts are stripped,
// never executed; only first-scan tokens reach the handler.
func stripArtifacts(line string) string {
	for {
		spans := scanLine(line)
		if len(spans) == 0 {
			return line
		}
		var sb strings.Builder
		last := 0
		for _, sp := range spans {
			sb.WriteString(line[last:sp.start])
			last = sp.end
		}
		sb.WriteString(line[last:])
		line = sb.String()
	}
}

// =============================================================================
// Parse
// =============================================================================

// ParseDirectives splits a model reply into the user-visible residual
// text and the directives it contained, in discovery order.
//
// # Description
//
// The reply is scanned line by line. Lines inside a fenced code block
// keep directive-shaped tokens as code unless the token is the sole
// content of its line. Every recognized token is removed from the
// residual; a line that had removals has its whitespace collapsed, and
// a line left empty is dropped. Stripping is idempotent: parsing the
// residual again finds no directives and returns it unchanged.
//
// # Inputs
//
//   - text: The raw model reply.
//
// # Outputs
//
//   - string: The residual text safe to show the user.
//   - []Directive: Parsed directives, ordered as discovered.
func ParseDirectives(text string) (string, []Directive) {
	if text == "" {
		return "", nil
	}

	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	var directives []Directive
	inFence := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			kept = append(kept, line)
			continue
		}

		if inFence {
			if d, ok := soleDirective(trimmed); ok {
				directives = append(directives, d)
				continue
			}
			kept = append(kept, line)
			continue
		}

		spans := scanLine(line)
		if len(spans) == 0 {
			kept = append(kept, line)
			continue
		}

		var sb strings.Builder
		last := 0
		for _, sp := range spans {
			sb.WriteString(line[last:sp.start])
			directives = append(directives, sp.d)
			last = sp.end
		}
		sb.WriteString(line[last:])

		cleaned := strings.Join(strings.Fields(stripArtifacts(sb.String())), " ")
		if cleaned != "" {
			kept = append(kept, cleaned)
		}
	}

	return strings.TrimSpace(strings.Join(kept, "\n")), directives
}

// StripDirectives returns the reply with every directive token removed.
func StripDirectives(text string) string {
	residual, _ := ParseDirectives(text)
	return residual
}

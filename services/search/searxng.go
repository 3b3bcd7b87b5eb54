// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("recall.search.searxng")

// searxRequestsPerSecond keeps a chatty session from hammering the
// search instance. Burst of 2 absorbs a directive that fires right
// after a user-triggered search.
const searxRequestsPerSecond = 1

// SearxClient queries a SearXNG instance over its JSON API.
type SearxClient struct {
	// HTTPClient is exported so tests can inject a mock transport.
	HTTPClient HTTPClient

	limiter *rate.Limiter
	baseURL string
}

type searxResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type searxResponse struct {
	Query   string        `json:"query"`
	Results []searxResult `json:"results"`
	Answers []string      `json:"answers"`
}

func NewSearxClient() (*SearxClient, error) {
	baseURL := os.Getenv("SEARXNG_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("SEARXNG_BASE_URL environment variable not set")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing SearXNG client", "base_url", baseURL)
	return &SearxClient{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(searxRequestsPerSecond), 2),
		baseURL:    baseURL,
	}, nil
}

// Search implements the Client interface.
func (s *SearxClient) Search(ctx context.Context, query string, maxResults int) (string, error) {
	ctx, span := tracer.Start(ctx, "SearxClient.Search")
	defer span.End()
	span.SetAttributes(attribute.String("search.query", query))

	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("search query is empty")
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	if err := s.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("search rate limit wait: %w", err)
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	searchURL := s.baseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("SearXNG call failed", "error", err)
		return "", fmt.Errorf("search call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("SearXNG returned an error", "status_code", resp.StatusCode,
			"response", string(body))
		return "", fmt.Errorf("search failed with status %d", resp.StatusCode)
	}

	var parsed searxResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to parse search response: %w", err)
	}

	span.SetAttributes(attribute.Int("search.result_count", len(parsed.Results)))
	slog.Debug("Search complete", "query", query, "results", len(parsed.Results))
	return formatResults(query, parsed, maxResults), nil
}

// formatResults renders the model-facing text: an answer line when the
// engine produced one, then numbered entries with title, URL, excerpt.
func formatResults(query string, resp searxResponse, maxResults int) string {
	var b strings.Builder

	if len(resp.Answers) > 0 && resp.Answers[0] != "" {
		fmt.Fprintf(&b, "Answer: %s\n\n", resp.Answers[0])
	}

	if len(resp.Results) == 0 {
		if b.Len() > 0 {
			return strings.TrimRight(b.String(), "\n")
		}
		return fmt.Sprintf("No results found for %q.", query)
	}

	n := len(resp.Results)
	if n > maxResults {
		n = maxResults
	}
	for i := 0; i < n; i++ {
		r := resp.Results[i]
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(r.Title))
		if r.URL != "" {
			fmt.Fprintf(&b, "   URL: %s\n", r.URL)
		}
		if excerpt := strings.TrimSpace(r.Content); excerpt != "" {
			fmt.Fprintf(&b, "   %s\n", excerpt)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search provides the web search gateway.
//
// # Description
//
// The orchestrator asks for search results as pre-formatted text it can
// hand straight to the model: an optional answer line followed by
// numbered entries with title, URL, and excerpt. Backends implement
// Client; the default backend is a SearXNG instance, which keeps the
// whole search path self-hosted.
package search

import (
	"context"
	"net/http"
)

// DefaultMaxResults bounds how many entries a reply includes when the
// caller does not say.
const DefaultMaxResults = 5

// Client is the narrow interface the conversation engine depends on.
type Client interface {
	// Search returns formatted result text for the query. An empty
	// result set is not an error; the returned text says so.
	Search(ctx context.Context, query string, maxResults int) (string, error)
}

// HTTPClient interface allows injecting mock HTTP clients for testing
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

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
// This file defines the error taxonomy shared by every orchestrator
// component. Errors carry a Kind so that the pipeline can decide between
// retry, degrade, and fail without string matching.
package datatypes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Kinds
// =============================================================================

// Kind categorizes an error for propagation decisions.
type Kind string

const (
	// KindInvalidInput marks rejected caller input (empty message,
	// malformed session id).
	KindInvalidInput Kind = "invalid_input"

	// KindNotFound marks a referenced session, message, or chunk that
	// does not exist.
	KindNotFound Kind = "not_found"

	// KindConflict marks an attempt to violate an invariant, such as a
	// tier downgrade.
	KindConflict Kind = "conflict"

	// KindRateLimited marks a request rejected by a concurrency or rate
	// cap.
	KindRateLimited Kind = "rate_limited"

	// KindUpstreamTimeout marks an LLM or search call that exceeded its
	// deadline.
	KindUpstreamTimeout Kind = "upstream_timeout"

	// KindUpstreamNetwork marks a transport failure talking to the LLM
	// or search provider.
	KindUpstreamNetwork Kind = "upstream_network"

	// KindUpstreamMalformed marks an unparseable provider response.
	KindUpstreamMalformed Kind = "upstream_malformed"

	// KindStorage marks a database or filesystem failure.
	KindStorage Kind = "storage"

	// KindCancelled marks a request aborted by the caller.
	KindCancelled Kind = "cancelled"

	// KindInternal marks bugs and broken invariants.
	KindInternal Kind = "internal"
)

// =============================================================================
// Fault
// =============================================================================

// Fault is the orchestrator's error type. It wraps an underlying cause
// with a Kind and an operation name for logs.
type Fault struct {
	// Kind is the taxonomy category.
	Kind Kind

	// Op names the failing operation, e.g. "memory.Insert".
	Op string

	// Msg is a short human-readable description, safe to surface.
	Msg string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	switch {
	case f.Op != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Op, f.Msg, f.Err)
	case f.Op != "":
		return fmt.Sprintf("%s: %s", f.Op, f.Msg)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Msg, f.Err)
	default:
		return f.Msg
	}
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault builds a Fault without a cause.
func NewFault(kind Kind, op, msg string) *Fault {
	return &Fault{Kind: kind, Op: op, Msg: msg}
}

// WrapFault builds a Fault around an existing error. A nil cause yields
// a nil result so call sites can wrap unconditionally.
func WrapFault(kind Kind, op, msg string, err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Op: op, Msg: msg, Err: err}
}

// =============================================================================
// Classification Helpers
// =============================================================================

// KindOf extracts the Kind from an error chain.
//
// Context cancellation and deadline expiry are recognized even when no
// Fault wraps them. Unknown errors classify as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	return KindInternal
}

// IsNotFound reports whether the error chain is a not-found failure.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConflict reports whether the error chain is an invariant conflict.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsRetryable reports whether the operation may be retried.
//
// Storage, network, and timeout failures are transient. Validation,
// conflicts, and internal bugs are not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindStorage, KindUpstreamNetwork, KindUpstreamTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an error to the status code handlers should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamNetwork, KindUpstreamMalformed:
		return http.StatusBadGateway
	case KindCancelled:
		// Client went away; gin logs 499 by convention.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package review orchestrates change reviews: dedup check, diff
// extraction, strategy dispatch under breaker and cache protection,
// and outcome bookkeeping.
package review

import (
	"errors"

	"github.com/quillreview/quill/services/review/breaker"
)

var (
	// ErrValidation marks a malformed review request.
	ErrValidation = errors.New("review: invalid request")

	// ErrTransientInfrastructure marks a failure that should clear on
	// retry: storage, network, or upstream churn.
	ErrTransientInfrastructure = errors.New("review: transient infrastructure failure")

	// ErrBreakerOpen is the breaker's short-circuit error. Callers
	// match it with errors.Is.
	ErrBreakerOpen = breaker.ErrOpen

	// ErrPartialBatch marks a review that completed with some paths
	// or items unanalyzed. The response alongside it is still valid.
	ErrPartialBatch = errors.New("review: batch partially analyzed")
)

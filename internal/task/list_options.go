package task

import (
	"strings"
	"time"
)

// SortOrder selects the ordering of listed tasks.
type SortOrder int

const (
	// SortByUpdatedDesc returns the most recently updated tasks first.
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc returns the oldest tasks first.
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions is the resolved filter set a store implementation receives.
// Callers outside the package build it through ListOption functions.
type ListOptions struct {
	Limit      int
	Offset     int
	AgentID    string
	Statuses   []Status
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Query      string
}

// applyDefaults clamps paging values and drops invalid filter input so
// store implementations never see out-of-range options.
func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = dedupeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.AgentID = strings.TrimSpace(opts.AgentID)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit caps the number of returned tasks.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset skips the first n matches, for paging.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithAgentID restricts the listing to tasks submitted by one agent.
func WithAgentID(agentID string) ListOption {
	return func(opts *ListOptions) { opts.AgentID = agentID }
}

// WithStatuses restricts the listing to the given lifecycle states.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithUpdatedSince keeps tasks updated at or after the instant.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedGTE = unixOrZero(ts)
	}
}

// WithUpdatedUntil keeps tasks updated at or before the instant.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedLTE = unixOrZero(ts)
	}
}

// WithResultPresence keeps only tasks that do (or do not) carry a
// settlement result.
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) {
		v := hasResult
		opts.HasResult = &v
	}
}

// WithSortOrder flips the ordering of returned tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery fuzzy-matches across goal, agent and summary fields.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

// buildListOptions resolves option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// dedupeStatuses drops unknown and repeated statuses, preserving order.
func dedupeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	kept := input[:0]
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, dup := seen[status]; dup {
			continue
		}
		seen[status] = struct{}{}
		kept = append(kept, status)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

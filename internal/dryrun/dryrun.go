// Package dryrun carries the --dry-run switch and renders previews of board
// mutations that were not sent.
package dryrun

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
)

type contextKey struct{}

// WithDryRun returns a context with dry-run mode enabled/disabled.
func WithDryRun(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, contextKey{}, enabled)
}

// IsEnabled returns true if dry-run mode is enabled.
func IsEnabled(ctx context.Context) bool {
	v, _ := ctx.Value(contextKey{}).(bool)
	return v
}

// Preview describes a mutation that would have been sent.
type Preview struct {
	DryRun      bool           `json:"dryRun"`
	Operation   string         `json:"operation"`
	Resource    string         `json:"resource"`
	Description string         `json:"description,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// New returns a preview for operation on resource.
func New(operation, resource string) *Preview {
	return &Preview{DryRun: true, Operation: operation, Resource: resource, Details: map[string]any{}}
}

// Write renders the preview as text. Details are sorted by key.
func (p *Preview) Write(w io.Writer) {
	rule := strings.Repeat("-", 40)
	_, _ = fmt.Fprintf(w, "[DRY-RUN] Would %s %s\n", p.Operation, p.Resource)
	_, _ = fmt.Fprintln(w, rule)
	if p.Description != "" {
		_, _ = fmt.Fprintf(w, "%s\n\n", p.Description)
	}
	if len(p.Details) > 0 {
		keys := make([]string, 0, len(p.Details))
		for k := range p.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  %s: %v\n", k, p.Details[k])
		}
		_, _ = fmt.Fprintln(w)
	}
	if len(p.Warnings) > 0 {
		_, _ = fmt.Fprintln(w, "Warnings:")
		for _, warning := range p.Warnings {
			_, _ = fmt.Fprintf(w, "  ! %s\n", warning)
		}
		_, _ = fmt.Fprintln(w)
	}
	_, _ = fmt.Fprintln(w, rule)
	_, _ = fmt.Fprintln(w, "No changes made (dry-run mode)")
}

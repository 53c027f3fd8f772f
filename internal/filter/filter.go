// Package filter anonymizes engine output before it reaches the
// operator. Filtering is mandatory: every outbound text chunk passes
// through here, and a failing primary engine degrades to the built-in
// rules rather than letting text through untouched.
package filter

import (
	"context"
	"fmt"
	"log/slog"
)

// Profile selects which entity classes are scrubbed.
type Profile string

const (
	ProfileStandard Profile = "standard"
	ProfileCJIS     Profile = "cjis"
	ProfilePHI      Profile = "phi"
)

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileStandard, ProfileCJIS, ProfilePHI:
		return Profile(s), nil
	case "":
		return ProfileStandard, nil
	default:
		return "", fmt.Errorf("unknown filter profile %q", s)
	}
}

// Engine is a pluggable anonymizer backend.
type Engine interface {
	// Anonymize returns the scrubbed text and whether anything was
	// replaced.
	Anonymize(ctx context.Context, text string, profile Profile) (string, bool, error)
}

// Result is the outcome of one filter pass.
type Result struct {
	Text     string
	Modified bool
	// Degraded is set when the primary engine failed and the built-in
	// rules handled the text instead. Audit records carry this flag.
	Degraded bool
}

// Filter applies a primary engine with a rules fallback.
type Filter struct {
	primary  Engine
	fallback *Rules
}

// New builds a Filter around the given primary engine. A nil primary
// means the built-in rules are the only engine.
func New(primary Engine) *Filter {
	return &Filter{primary: primary, fallback: NewRules()}
}

// Apply scrubs text under the given profile. Application is
// idempotent: filtering already-filtered text changes nothing.
func (f *Filter) Apply(ctx context.Context, text string, profile Profile) Result {
	if f.primary != nil {
		out, modified, err := f.primary.Anonymize(ctx, text, profile)
		if err == nil {
			return Result{Text: out, Modified: modified}
		}
		slog.Warn("primary filter engine failed, using built-in rules",
			"profile", profile,
			"error", err)
	}

	out, modified, _ := f.fallback.Anonymize(ctx, text, profile)
	return Result{Text: out, Modified: modified, Degraded: f.primary != nil}
}

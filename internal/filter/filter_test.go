package filter

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestParseProfile(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"standard", "cjis", "phi"} {
		p, err := ParseProfile(name)
		if err != nil {
			t.Fatalf("ParseProfile(%q) failed: %v", name, err)
		}
		if string(p) != name {
			t.Fatalf("ParseProfile(%q) = %q", name, p)
		}
	}

	p, err := ParseProfile("")
	if err != nil || p != ProfileStandard {
		t.Fatalf("empty profile should default to standard, got %q, %v", p, err)
	}

	if _, err := ParseProfile("hipaa"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestRulesScrubCriticalEntities(t *testing.T) {
	t.Parallel()

	rules := NewRules()
	in := "card 4111 1111 1111 1111, SSN 078-05-1120, call me"
	out, modified, err := rules.Anonymize(context.Background(), in, ProfileStandard)
	if err != nil {
		t.Fatalf("Anonymize failed: %v", err)
	}
	if !modified {
		t.Fatal("expected text to be modified")
	}
	if strings.Contains(out, "4111") || strings.Contains(out, "078-05-1120") {
		t.Fatalf("sensitive values leaked: %q", out)
	}
	if !strings.Contains(out, "<CREDIT_CARD>") || !strings.Contains(out, "<US_SSN>") {
		t.Fatalf("expected label tokens: %q", out)
	}
}

func TestProfilesAreCumulative(t *testing.T) {
	t.Parallel()

	rules := NewRules()
	in := "email jo@example.com from 10.0.0.7, DOB 04/12/1987"

	out, _, err := rules.Anonymize(context.Background(), in, ProfileStandard)
	if err != nil {
		t.Fatalf("standard failed: %v", err)
	}
	if !strings.Contains(out, "jo@example.com") {
		t.Fatalf("standard profile should not scrub email: %q", out)
	}

	out, _, err = rules.Anonymize(context.Background(), in, ProfileCJIS)
	if err != nil {
		t.Fatalf("cjis failed: %v", err)
	}
	if strings.Contains(out, "jo@example.com") {
		t.Fatalf("cjis profile should scrub email: %q", out)
	}
	if !strings.Contains(out, "10.0.0.7") {
		t.Fatalf("cjis profile should not scrub IP: %q", out)
	}

	out, _, err = rules.Anonymize(context.Background(), in, ProfilePHI)
	if err != nil {
		t.Fatalf("phi failed: %v", err)
	}
	if strings.Contains(out, "10.0.0.7") || strings.Contains(out, "04/12/1987") {
		t.Fatalf("phi profile should scrub IP and DOB: %q", out)
	}
}

func TestFilterIsIdempotent(t *testing.T) {
	t.Parallel()

	f := New(nil)
	in := "SSN 078-05-1120 and card 4111-1111-1111-1111"
	first := f.Apply(context.Background(), in, ProfilePHI)
	second := f.Apply(context.Background(), first.Text, ProfilePHI)

	if first.Text != second.Text {
		t.Fatalf("second pass changed text: %q -> %q", first.Text, second.Text)
	}
	if second.Modified {
		t.Fatal("second pass should report no modification")
	}
}

type failingEngine struct{}

func (failingEngine) Anonymize(context.Context, string, Profile) (string, bool, error) {
	return "", false, errors.New("anonymizer unreachable")
}

func TestFilterDegradesToRules(t *testing.T) {
	t.Parallel()

	f := New(failingEngine{})
	res := f.Apply(context.Background(), "SSN 078-05-1120", ProfileStandard)
	if !res.Degraded {
		t.Fatal("expected degraded result when primary fails")
	}
	if strings.Contains(res.Text, "078-05-1120") {
		t.Fatalf("fallback did not scrub: %q", res.Text)
	}
}

func TestFilterWithoutPrimaryIsNotDegraded(t *testing.T) {
	t.Parallel()

	f := New(nil)
	res := f.Apply(context.Background(), "nothing sensitive here", ProfileStandard)
	if res.Degraded {
		t.Fatal("rules-only filter must not report degraded")
	}
	if res.Modified {
		t.Fatal("clean text must not report modified")
	}
	if res.Text != "nothing sensitive here" {
		t.Fatalf("clean text changed: %q", res.Text)
	}
}

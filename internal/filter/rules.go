package filter

import (
	"context"
	"regexp"
)

// rule pairs an entity label with the pattern that detects it. The
// replacement token is the label in angle brackets, which no pattern
// can itself match, so repeated passes are stable.
type rule struct {
	label string
	re    *regexp.Regexp
}

var (
	// Critical entities, scrubbed under every profile.
	criticalRules = []rule{
		{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{3,4}\b`)},
		{"IBAN_CODE", regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)},
		{"US_SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{"US_PASSPORT", regexp.MustCompile(`\b[A-Z]\d{8}\b`)},
		{"US_DRIVER_LICENSE", regexp.MustCompile(`\b[A-Z]\d{7}\b`)},
	}

	contactRules = []rule{
		{"EMAIL_ADDRESS", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
		{"PHONE_NUMBER", regexp.MustCompile(`\(?\b\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`)},
	}

	healthRules = []rule{
		{"IP_ADDRESS", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
		{"MEDICAL_RECORD_NUMBER", regexp.MustCompile(`\bMRN[:#]?\s*\d{6,10}\b`)},
		{"DATE_OF_BIRTH", regexp.MustCompile(`\b\d{2}/\d{2}/\d{4}\b`)},
	}
)

// Rules is the built-in pattern-based anonymizer. It covers entities
// that have a recognizable surface form; free-text entities like names
// need an external engine.
type Rules struct {
	profiles map[Profile][]rule
}

// NewRules builds the rule sets for all profiles.
func NewRules() *Rules {
	standard := criticalRules
	cjis := append(append([]rule{}, criticalRules...), contactRules...)
	phi := append(append([]rule{}, cjis...), healthRules...)

	return &Rules{profiles: map[Profile][]rule{
		ProfileStandard: standard,
		ProfileCJIS:     cjis,
		ProfilePHI:      phi,
	}}
}

// Anonymize replaces every matched entity with its label token.
func (r *Rules) Anonymize(_ context.Context, text string, profile Profile) (string, bool, error) {
	rules, ok := r.profiles[profile]
	if !ok {
		rules = r.profiles[ProfileStandard]
	}

	modified := false
	for _, rule := range rules {
		replaced := rule.re.ReplaceAllString(text, "<"+rule.label+">")
		if replaced != text {
			modified = true
			text = replaced
		}
	}
	return text, modified, nil
}

// Package security provides secret scanning for inbound messages and
// at-rest encryption for stored conversation content.
package security

import (
	"regexp"
)

// Action determines what happens when a pattern matches.
type Action string

const (
	ActionRedact Action = "redact" // replace the match, keep processing
	ActionBlock  Action = "block"  // refuse the whole message
)

// Match holds details about one detected secret.
type Match struct {
	PatternName string
	Action      string
	Start       int
	End         int
}

type secretPattern struct {
	name   string
	re     *regexp.Regexp
	action Action
}

// Scanner detects credential-shaped strings in user input so they never
// reach the LLM provider or the search backend.
type Scanner struct {
	patterns    []secretPattern
	replacement string
}

// NewScanner creates a scanner with the built-in pattern set.
func NewScanner() *Scanner {
	return &Scanner{
		replacement: "[REDACTED]",
		patterns: []secretPattern{
			{name: "openai_api_key", re: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`), action: ActionRedact},
			{name: "aws_access_key", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), action: ActionRedact},
			{name: "github_token", re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), action: ActionRedact},
			{name: "slack_token", re: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`), action: ActionRedact},
			{name: "bearer_token", re: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`), action: ActionRedact},
			{name: "private_key_block", re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), action: ActionBlock},
		},
	}
}

// Apply scans text against all patterns. Block patterns short-circuit;
// redact patterns replace the match and scanning continues.
func (s *Scanner) Apply(text string) (cleaned string, blocked bool, matches []Match) {
	cleaned = text
	for _, p := range s.patterns {
		locs := p.re.FindAllStringIndex(cleaned, -1)
		if locs == nil {
			continue
		}
		for _, loc := range locs {
			matches = append(matches, Match{
				PatternName: p.name,
				Action:      string(p.action),
				Start:       loc[0],
				End:         loc[1],
			})
		}
		if p.action == ActionBlock {
			return text, true, matches
		}
		cleaned = p.re.ReplaceAllString(cleaned, s.replacement)
	}
	return cleaned, false, matches
}

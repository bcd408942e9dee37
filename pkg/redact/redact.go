// Package redact implements the secret redaction pipeline: a compiled set
// of patterns scanned over packet content before it is sent to an LLM, and
// helper functions applied to every string persisted in receipts, status
// output, warnings, and error messages.
//
// The marker format mirrors the teacher's SanitizeErrorMessage convention
// (replace the match, never leave the raw value reachable) but is
// pattern-aware: each redaction names the pattern id that fired, e.g.
// "[REDACTED:github_pat]", so receipts can report which secret classes were
// seen without revealing their values.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/githubnext/xchecker/pkg/logger"
)

var log = logger.New("redact")

// Pattern is one compiled secret matcher.
type Pattern struct {
	ID string
	Re *regexp.Regexp
}

func defaultPatterns() []Pattern {
	return []Pattern{
		{ID: "github_pat", Re: regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`)},
		{ID: "aws_access_key", Re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
		{ID: "aws_secret_key", Re: regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`)},
		{ID: "slack_token", Re: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]+`)},
		{ID: "bearer_token", Re: regexp.MustCompile(`Bearer [A-Za-z0-9._-]{20,}`)},
	}
}

// Match is one occurrence of a secret pattern within scanned text.
type Match struct {
	PatternID string
	Line      int
	ColStart  int
	ColEnd    int
	Context   string
}

// Result is the outcome of redacting a piece of text.
type Result struct {
	Content    string
	Matches    []Match
	HasSecrets bool
}

// Redactor holds a compiled, immutable set of patterns. It is safe to share
// across goroutines once constructed, since patterns are never mutated
// after New returns.
type Redactor struct {
	patterns []Pattern
}

// New builds a Redactor from the built-in defaults, an optional set of
// extra named patterns, and a set of default pattern ids to ignore.
func New(extra map[string]string, ignored map[string]bool) (*Redactor, error) {
	var patterns []Pattern
	for _, p := range defaultPatterns() {
		if ignored[p.ID] {
			log.Printf("ignoring default pattern %s", p.ID)
			continue
		}
		patterns = append(patterns, p)
	}

	ids := make([]string, 0, len(extra))
	for id := range extra {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		re, err := regexp.Compile(extra[id])
		if err != nil {
			return nil, fmt.Errorf("redact: compile extra pattern %q: %w", id, err)
		}
		patterns = append(patterns, Pattern{ID: id, Re: re})
	}

	return &Redactor{patterns: patterns}, nil
}

// Default builds a Redactor with only the built-in patterns.
func Default() *Redactor {
	r, _ := New(nil, nil)
	return r
}

const marker = "[REDACTED:%s]"

// Scan reports every match of every configured pattern in text, without
// modifying it. origin is carried only for logging.
func (r *Redactor) Scan(text string, origin string) []Match {
	var matches []Match
	lines := strings.Split(text, "\n")
	for _, p := range r.patterns {
		for lineIdx, line := range lines {
			locs := p.Re.FindAllStringIndex(line, -1)
			for _, loc := range locs {
				matches = append(matches, Match{
					PatternID: p.ID,
					Line:      lineIdx + 1,
					ColStart:  loc[0],
					ColEnd:    loc[1],
					Context:   redactLine(line, p.Re),
				})
			}
		}
	}
	if len(matches) > 0 {
		log.Printf("scan(%s): %d match(es)", origin, len(matches))
	}
	return matches
}

func redactLine(line string, re *regexp.Regexp) string {
	return re.ReplaceAllString(line, "***")
}

// Redact replaces every match of every configured pattern with a
// "[REDACTED:<pattern_id>]" marker and returns the rewritten text alongside
// match metadata.
func (r *Redactor) Redact(text string, origin string) Result {
	content := text
	var matches []Match

	for _, p := range r.patterns {
		lines := strings.Split(content, "\n")
		for lineIdx, line := range lines {
			locs := p.Re.FindAllStringIndex(line, -1)
			for _, loc := range locs {
				matches = append(matches, Match{
					PatternID: p.ID,
					Line:      lineIdx + 1,
					ColStart:  loc[0],
					ColEnd:    loc[1],
					Context:   redactLine(line, p.Re),
				})
			}
		}
		content = p.Re.ReplaceAllString(content, fmt.Sprintf(marker, p.ID))
	}

	if len(matches) > 0 {
		log.Printf("redact(%s): %d match(es) scrubbed", origin, len(matches))
	}

	return Result{Content: content, Matches: matches, HasSecrets: len(matches) > 0}
}

// RedactUserString scrubs a single string, discarding match metadata. It is
// the convenience entry point every receipt/status/warning/error field
// must pass through before being persisted or printed.
func (r *Redactor) RedactUserString(s string) string {
	if s == "" {
		return s
	}
	return r.Redact(s, "user-string").Content
}

// RedactUserOptional scrubs s if non-nil, returning nil unchanged.
func (r *Redactor) RedactUserOptional(s *string) *string {
	if s == nil {
		return nil
	}
	redacted := r.RedactUserString(*s)
	return &redacted
}

// RedactUserStrings scrubs every element of ss.
func (r *Redactor) RedactUserStrings(ss []string) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = r.RedactUserString(s)
	}
	return out
}

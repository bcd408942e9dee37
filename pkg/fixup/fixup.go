// Package fixup parses the unified-diff block a Fixup-phase artifact embeds
// and, when a caller opts in, applies its hunks to files under a spec's
// root directory: validating target paths, then writing each hunk with
// bounded fuzzy context matching.
package fixup

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/githubnext/xchecker/pkg/logger"
)

var log = logger.New("fixup")

// Mode selects whether ApplyChanges actually writes files.
type Mode int

const (
	// Preview computes change statistics without touching any file.
	Preview Mode = iota
	// Apply writes matched hunks to disk.
	Apply
)

// defaultSearchWindow bounds how far a hunk's claimed position may drift
// from its actual position in the current file before matching gives up.
const defaultSearchWindow = 50

// Hunk is one `@@ -oldStart,oldLines +newStart,newLines @@` block: Content
// holds its body lines verbatim, each still prefixed with ' ', '+', or '-'.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Content  string
}

// FileDiff is one `--- a/<path>` / `+++ b/<path>` unified diff section.
type FileDiff struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

// TargetPath returns the path a FileDiff should be applied to: NewPath
// unless the hunk is a pure deletion (new path "/dev/null"), in which case
// OldPath.
func (d FileDiff) TargetPath() string {
	if d.NewPath == "" || d.NewPath == "/dev/null" {
		return d.OldPath
	}
	return d.NewPath
}

// PathTraversalError reports a fixup target path that escapes the spec
// root, or that resolves to a symlink/hardlink when those aren't allowed.
type PathTraversalError struct {
	Path string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("fixup: target path %q escapes the spec root or is a disallowed symlink", e.Path)
}

// FuzzyMatchFailedError reports a hunk whose context block could not be
// located in the current file within the fuzzy search window.
type FuzzyMatchFailedError struct {
	File         string
	ExpectedLine int
	SearchWindow int
}

func (e *FuzzyMatchFailedError) Error() string {
	return fmt.Sprintf("fixup: %s: no match for hunk near line %d (±%d)", e.File, e.ExpectedLine, e.SearchWindow)
}

var (
	fileHeaderOld = regexp.MustCompile(`^--- (?:a/)?(.+)$`)
	fileHeaderNew = regexp.MustCompile(`^\+\+\+ (?:b/)?(.+)$`)
	hunkHeader    = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)
)

// ExtractDiffBlocks returns the contents of every fenced ```diff code block
// in raw, in order.
func ExtractDiffBlocks(raw string) []string {
	const fence = "```diff"
	var blocks []string
	rest := raw
	for {
		start := strings.Index(rest, fence)
		if start == -1 {
			break
		}
		rest = rest[start+len(fence):]
		end := strings.Index(rest, "```")
		if end == -1 {
			break
		}
		blocks = append(blocks, rest[:end])
		rest = rest[end+3:]
	}
	return blocks
}

// ParseDiffs extracts every fenced diff block from raw and parses each into
// one or more FileDiffs.
func ParseDiffs(raw string) ([]FileDiff, error) {
	var diffs []FileDiff
	for _, block := range ExtractDiffBlocks(raw) {
		parsed, err := parseUnifiedDiff(block)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, parsed...)
	}
	return diffs, nil
}

func parseUnifiedDiff(block string) ([]FileDiff, error) {
	lines := strings.Split(block, "\n")

	var diffs []FileDiff
	var current *FileDiff
	var hunkLines []string
	var pendingHunk *Hunk

	flushHunk := func() {
		if current == nil || pendingHunk == nil {
			return
		}
		pendingHunk.Content = strings.Join(hunkLines, "\n")
		current.Hunks = append(current.Hunks, *pendingHunk)
		pendingHunk = nil
		hunkLines = nil
	}
	flushFile := func() {
		flushHunk()
		if current != nil {
			diffs = append(diffs, *current)
			current = nil
		}
	}

	for _, line := range lines {
		if m := fileHeaderOld.FindStringSubmatch(line); m != nil {
			flushFile()
			current = &FileDiff{OldPath: strings.TrimSpace(m[1])}
			continue
		}
		if m := fileHeaderNew.FindStringSubmatch(line); m != nil {
			if current == nil {
				current = &FileDiff{}
			}
			current.NewPath = strings.TrimSpace(m[1])
			continue
		}
		if m := hunkHeader.FindStringSubmatch(line); m != nil {
			flushHunk()
			pendingHunk = &Hunk{
				OldStart: atoiOr(m[1], 0),
				OldLines: atoiOr(m[2], 1),
				NewStart: atoiOr(m[3], 0),
				NewLines: atoiOr(m[4], 1),
			}
			continue
		}
		if pendingHunk != nil {
			hunkLines = append(hunkLines, line)
		}
	}
	flushFile()

	return diffs, nil
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// oldNewLines splits a hunk's content into the lines expected in the
// current file (context + removed, prefix stripped) and the lines it
// should become (context + added, prefix stripped).
func (h Hunk) oldNewLines() (oldLines, newLines []string) {
	for _, raw := range strings.Split(h.Content, "\n") {
		if raw == "" {
			continue
		}
		prefix, rest := raw[0], raw[1:]
		switch prefix {
		case ' ':
			oldLines = append(oldLines, rest)
			newLines = append(newLines, rest)
		case '-':
			oldLines = append(oldLines, rest)
		case '+':
			newLines = append(newLines, rest)
		default:
			// Malformed hunk line with no diff-prefix; treat as context so a
			// stray blank line in the source doesn't abort the whole hunk.
			oldLines = append(oldLines, raw)
			newLines = append(newLines, raw)
		}
	}
	return oldLines, newLines
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

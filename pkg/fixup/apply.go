package fixup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ChangeSummary counts the added/removed lines a FileDiff would produce.
type ChangeSummary struct {
	LinesAdded   int
	LinesRemoved int
}

// PreviewResult is the outcome of Parser.PreviewChanges: no file is
// modified, only statistics are computed.
type PreviewResult struct {
	TargetFiles   []string
	ChangeSummary map[string]ChangeSummary
}

// ApplyResult is the outcome of Parser.ApplyChanges.
type ApplyResult struct {
	AppliedFiles []string
	FailedFiles  []string
}

// Parser applies or previews a set of FileDiffs against files rooted at
// BaseDir. AllowSymlinks permits writing through a symlinked target path;
// it defaults to false (disallowed) per the path-traversal guard.
type Parser struct {
	Mode          Mode
	BaseDir       string
	AllowSymlinks bool
}

// NewParser returns a Parser for the given mode and base directory.
func NewParser(mode Mode, baseDir string) *Parser {
	return &Parser{Mode: mode, BaseDir: baseDir}
}

// resolveSafePath joins relPath onto p.BaseDir and rejects the result if it
// escapes BaseDir, is an absolute path, or (unless AllowSymlinks) resolves
// through a symlink.
func (p *Parser) resolveSafePath(relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", &PathTraversalError{Path: relPath}
	}

	base, err := filepath.Abs(p.BaseDir)
	if err != nil {
		return "", fmt.Errorf("fixup: resolve base dir: %w", err)
	}
	full := filepath.Join(base, relPath)
	full = filepath.Clean(full)

	rel, err := filepath.Rel(base, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", &PathTraversalError{Path: relPath}
	}

	if !p.AllowSymlinks {
		for dir := full; dir != base && len(dir) >= len(base); dir = filepath.Dir(dir) {
			info, statErr := os.Lstat(dir)
			if statErr != nil {
				if os.IsNotExist(statErr) {
					continue
				}
				break
			}
			if info.Mode()&os.ModeSymlink != 0 {
				return "", &PathTraversalError{Path: relPath}
			}
		}
	}

	return full, nil
}

// PreviewChanges validates every diff's target path and computes change
// statistics without writing anything.
func (p *Parser) PreviewChanges(diffs []FileDiff) (PreviewResult, error) {
	result := PreviewResult{ChangeSummary: make(map[string]ChangeSummary)}
	for _, d := range diffs {
		target := d.TargetPath()
		if _, err := p.resolveSafePath(target); err != nil {
			return PreviewResult{}, err
		}
		result.TargetFiles = append(result.TargetFiles, target)

		summary := result.ChangeSummary[target]
		for _, h := range d.Hunks {
			for _, line := range strings.Split(h.Content, "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					summary.LinesAdded++
				case strings.HasPrefix(line, "-"):
					summary.LinesRemoved++
				}
			}
		}
		result.ChangeSummary[target] = summary
	}
	return result, nil
}

// resolvedPlan is one file's fully computed post-hunk content, staged
// in memory so ApplyChanges can dry-run every diff before writing any.
type resolvedPlan struct {
	target          string
	fullPath        string
	lines           []string
	trailingNewline bool
	hunkCount       int
}

// ApplyChanges dry-runs every diff's hunks against its target file's
// current content, matching each with bounded fuzzy context. Only once
// every file in the set resolves cleanly does it write the results; a
// single unmatched hunk or unsafe path aborts before anything is written,
// and the offending file is the only one listed in FailedFiles.
func (p *Parser) ApplyChanges(diffs []FileDiff) (ApplyResult, error) {
	var result ApplyResult
	var plans []resolvedPlan

	for _, d := range diffs {
		target := d.TargetPath()
		fullPath, err := p.resolveSafePath(target)
		if err != nil {
			result.FailedFiles = append(result.FailedFiles, target)
			return result, err
		}

		data, err := os.ReadFile(fullPath)
		if err != nil {
			result.FailedFiles = append(result.FailedFiles, target)
			return result, fmt.Errorf("fixup: read %s: %w", target, err)
		}

		lines, trailingNewline := splitLines(string(data))
		offset := 0
		for _, h := range d.Hunks {
			oldLines, newLines := h.oldNewLines()
			pos, found := locateBlock(lines, oldLines, h.OldStart-1+offset)
			if !found {
				result.FailedFiles = append(result.FailedFiles, target)
				return result, &FuzzyMatchFailedError{
					File:         target,
					ExpectedLine: h.OldStart,
					SearchWindow: defaultSearchWindow,
				}
			}
			lines = replaceSlice(lines, pos, len(oldLines), newLines)
			offset += len(newLines) - len(oldLines)
		}

		plans = append(plans, resolvedPlan{
			target:          target,
			fullPath:        fullPath,
			lines:           lines,
			trailingNewline: trailingNewline,
			hunkCount:       len(d.Hunks),
		})
	}

	for _, pl := range plans {
		if p.Mode != Apply {
			result.AppliedFiles = append(result.AppliedFiles, pl.target)
			continue
		}
		if err := atomicWriteLines(pl.fullPath, pl.lines, pl.trailingNewline); err != nil {
			result.FailedFiles = append(result.FailedFiles, pl.target)
			return result, err
		}
		log.Printf("applied %d hunk(s) to %s", pl.hunkCount, pl.target)
		result.AppliedFiles = append(result.AppliedFiles, pl.target)
	}

	return result, nil
}

// locateBlock searches for oldLines as a contiguous, possibly
// whitespace-fuzzy, subsequence of lines, starting at expected and
// expanding outward up to defaultSearchWindow lines in either direction.
// The exact expected position is tried first so unambiguous hunks never
// pay for the wider search.
func locateBlock(lines, oldLines []string, expected int) (int, bool) {
	if len(oldLines) == 0 {
		if expected >= 0 && expected <= len(lines) {
			return expected, true
		}
		return 0, false
	}

	maxStart := len(lines) - len(oldLines)
	if maxStart < 0 {
		return 0, false
	}

	tryPos := func(pos int) bool {
		if pos < 0 || pos > maxStart {
			return false
		}
		return blockMatches(lines[pos:pos+len(oldLines)], oldLines)
	}

	if tryPos(expected) {
		return expected, true
	}
	for delta := 1; delta <= defaultSearchWindow; delta++ {
		if tryPos(expected - delta) {
			return expected - delta, true
		}
		if tryPos(expected + delta) {
			return expected + delta, true
		}
	}
	return 0, false
}

func blockMatches(window, oldLines []string) bool {
	for i, want := range oldLines {
		got := window[i]
		if got == want {
			continue
		}
		if normalizeWhitespace(got) != normalizeWhitespace(want) {
			return false
		}
	}
	return true
}

func replaceSlice(lines []string, pos, count int, replacement []string) []string {
	out := make([]string, 0, len(lines)-count+len(replacement))
	out = append(out, lines[:pos]...)
	out = append(out, replacement...)
	out = append(out, lines[pos+count:]...)
	return out
}

func splitLines(content string) ([]string, bool) {
	if content == "" {
		return nil, false
	}
	trailingNewline := strings.HasSuffix(content, "\n")
	trimmed := strings.TrimSuffix(content, "\n")
	return strings.Split(trimmed, "\n"), trailingNewline
}

func joinLines(lines []string, trailingNewline bool) string {
	out := strings.Join(lines, "\n")
	if trailingNewline {
		out += "\n"
	}
	return out
}

func atomicWriteLines(path string, lines []string, trailingNewline bool) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".fixup-*.tmp")
	if err != nil {
		return fmt.Errorf("fixup: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(joinLines(lines, trailingNewline)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fixup: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("fixup: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("fixup: rename file: %w", err)
	}
	return nil
}

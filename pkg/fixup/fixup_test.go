package fixup

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	return full
}

func TestParseDiffsExtractsFileAndHunkHeaders(t *testing.T) {
	raw := "FIXUP PLAN:\n\n```diff\n--- a/foo.txt\n+++ b/foo.txt\n@@ -1,3 +1,4 @@\n line 1\n+inserted\n line 2\n line 3\n```\n"

	diffs, err := ParseDiffs(raw)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "foo.txt", diffs[0].OldPath)
	assert.Equal(t, "foo.txt", diffs[0].NewPath)
	require.Len(t, diffs[0].Hunks, 1)
	assert.Equal(t, 1, diffs[0].Hunks[0].OldStart)
	assert.Equal(t, 3, diffs[0].Hunks[0].OldLines)
}

func TestApplyChangesSimpleInsertion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo.txt", "line 1\nline 2\nline 3\n")

	raw := "```diff\n--- a/foo.txt\n+++ b/foo.txt\n@@ -1,3 +1,4 @@\n line 1\n+inserted\n line 2\n line 3\n```\n"
	diffs, err := ParseDiffs(raw)
	require.NoError(t, err)

	p := NewParser(Apply, dir)
	result, err := p.ApplyChanges(diffs)
	require.NoError(t, err)
	assert.Empty(t, result.FailedFiles)
	assert.Equal(t, []string{"foo.txt"}, result.AppliedFiles)

	got, err := os.ReadFile(filepath.Join(dir, "foo.txt"))
	require.NoError(t, err)
	assert.Equal(t, "line 1\ninserted\nline 2\nline 3\n", string(got))
}

func TestApplyChangesMultiHunkAdditionsOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "additions.txt", "line 1\nline 2\nline 3\nline 4\nline 5\nline 6\nline 7\nline 8\n")

	raw := "```diff\n" +
		"--- a/additions.txt\n+++ b/additions.txt\n" +
		"@@ -1,3 +1,4 @@\n line 1\n+added first\n line 2\n line 3\n" +
		"@@ -6,3 +7,4 @@\n line 6\n+added second\n line 7\n line 8\n```\n"
	diffs, err := ParseDiffs(raw)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.Len(t, diffs[0].Hunks, 2)

	p := NewParser(Apply, dir)
	result, err := p.ApplyChanges(diffs)
	require.NoError(t, err)
	assert.Empty(t, result.FailedFiles)

	got, err := os.ReadFile(filepath.Join(dir, "additions.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(got), "added first")
	assert.Contains(t, string(got), "added second")
}

func TestApplyChangesAmbiguousContextPicksExpectedPosition(t *testing.T) {
	dir := t.TempDir()
	original := "function foo() {\n    return 1;\n}\n\nfunction bar() {\n    return 1;\n}\n\nfunction baz() {\n    return 1;\n}\n"
	writeFile(t, dir, "ambiguous.txt", original)

	raw := "```diff\n--- a/ambiguous.txt\n+++ b/ambiguous.txt\n" +
		"@@ -5,3 +5,3 @@\n function bar() {\n-    return 1;\n+    return 42;\n }\n```\n"
	diffs, err := ParseDiffs(raw)
	require.NoError(t, err)

	p := NewParser(Apply, dir)
	result, err := p.ApplyChanges(diffs)
	require.NoError(t, err)
	assert.Empty(t, result.FailedFiles)

	got, err := os.ReadFile(filepath.Join(dir, "ambiguous.txt"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(got), "return 42;"))
	assert.Equal(t, 2, strings.Count(string(got), "return 1;"))
}

func TestApplyChangesWhitespaceNormalizedMatching(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "whitespace.txt", "function foo() {\n    let   x = 1;\n    let y = 2;\n}\n")

	raw := "```diff\n--- a/whitespace.txt\n+++ b/whitespace.txt\n" +
		"@@ -1,4 +1,5 @@\n function foo() {\n     let x = 1;\n+    let z = 3;\n     let y = 2;\n }\n```\n"
	diffs, err := ParseDiffs(raw)
	require.NoError(t, err)

	p := NewParser(Apply, dir)
	result, err := p.ApplyChanges(diffs)
	require.NoError(t, err)
	assert.Empty(t, result.FailedFiles)

	got, err := os.ReadFile(filepath.Join(dir, "whitespace.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(got), "let z = 3;")
}

func TestApplyChangesFailsWhenShiftExceedsWindow(t *testing.T) {
	dir := t.TempDir()
	lines := make([]string, 200)
	for i := range lines {
		lines[i] = "line " + strconv.Itoa(i+1)
	}
	lines[149] = "unique target content"
	writeFile(t, dir, "exceeds.txt", strings.Join(lines, "\n")+"\n")

	raw := "```diff\n--- a/exceeds.txt\n+++ b/exceeds.txt\n" +
		"@@ -49,3 +49,3 @@\n line 149\n-unique target content\n+MODIFIED\n line 151\n```\n"
	diffs, err := ParseDiffs(raw)
	require.NoError(t, err)

	p := NewParser(Apply, dir)
	result, err := p.ApplyChanges(diffs)
	require.Error(t, err)
	var fuzzyErr *FuzzyMatchFailedError
	require.ErrorAs(t, err, &fuzzyErr)
	assert.Equal(t, "exceeds.txt", fuzzyErr.File)
	assert.Contains(t, result.FailedFiles, "exceeds.txt")
}

func TestApplyChangesRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()

	raw := "```diff\n--- a/../../etc/passwd\n+++ b/../../etc/passwd\n" +
		"@@ -1,1 +1,1 @@\n-root\n+pwned\n```\n"
	diffs, err := ParseDiffs(raw)
	require.NoError(t, err)

	p := NewParser(Apply, dir)
	result, err := p.ApplyChanges(diffs)
	require.Error(t, err)
	var traversalErr *PathTraversalError
	require.ErrorAs(t, err, &traversalErr)
	assert.NotEmpty(t, result.FailedFiles)
}

func TestApplyChangesRejectsSymlinkTarget(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	outsideFile := writeFile(t, outside, "real.txt", "root\n")
	require.NoError(t, os.Symlink(outsideFile, filepath.Join(dir, "link.txt")))

	raw := "```diff\n--- a/link.txt\n+++ b/link.txt\n@@ -1,1 +1,1 @@\n-root\n+pwned\n```\n"
	diffs, err := ParseDiffs(raw)
	require.NoError(t, err)

	p := NewParser(Apply, dir)
	result, err := p.ApplyChanges(diffs)
	require.Error(t, err)
	var traversalErr *PathTraversalError
	require.ErrorAs(t, err, &traversalErr)
	assert.Contains(t, result.FailedFiles, "link.txt")
}

func TestPreviewChangesDoesNotModifyFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "preview.txt", "line 1\nline 2\nline 3\n")

	raw := "```diff\n--- a/preview.txt\n+++ b/preview.txt\n@@ -1,3 +1,4 @@\n line 1\n+inserted\n line 2\n line 3\n```\n"
	diffs, err := ParseDiffs(raw)
	require.NoError(t, err)

	p := NewParser(Preview, dir)
	preview, err := p.PreviewChanges(diffs)
	require.NoError(t, err)
	require.Len(t, preview.TargetFiles, 1)
	summary := preview.ChangeSummary["preview.txt"]
	assert.Equal(t, 1, summary.LinesAdded)
	assert.Equal(t, 0, summary.LinesRemoved)

	got, err := os.ReadFile(filepath.Join(dir, "preview.txt"))
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\nline 3\n", string(got))
}

func TestFuzzyMatchFailedErrorMessage(t *testing.T) {
	err := &FuzzyMatchFailedError{File: "src/main.go", ExpectedLine: 42, SearchWindow: 50}
	assert.Contains(t, err.Error(), "42")
	assert.Contains(t, err.Error(), "src/main.go")
	assert.Contains(t, err.Error(), "50")
}

package xcerr

import (
	"fmt"
	"testing"

	"github.com/githubnext/xchecker/pkg/fixup"
	"github.com/githubnext/xchecker/pkg/packet"
	"github.com/githubnext/xchecker/pkg/speclock"
	"github.com/stretchr/testify/assert"
)

func TestClassifyNil(t *testing.T) {
	c := Classify(nil)
	assert.Equal(t, ExitSuccess, c.ExitCode)
}

func TestClassifyCLIArgs(t *testing.T) {
	c := Classify(&CLIArgsError{Reason: "unsatisfied dependency: design requires requirements"})
	assert.Equal(t, ExitCLIArgs, c.ExitCode)
	assert.Equal(t, KindCLIArgs, c.Kind)
}

func TestClassifyPacketOverflow(t *testing.T) {
	err := &packet.OverflowError{UsedBytes: 50, UsedLines: 5, LimitBytes: 40, LimitLines: 10}
	c := Classify(err)
	assert.Equal(t, ExitPacketOverflow, c.ExitCode)
	assert.Equal(t, KindPacketOverflow, c.Kind)
}

func TestClassifySecretDetected(t *testing.T) {
	c := Classify(&SecretDetectedError{PatternID: "github_pat", Location: "design-packet.txt:12"})
	assert.Equal(t, ExitSecretDetected, c.ExitCode)
	assert.Equal(t, KindSecretDetected, c.Kind)
}

func TestClassifyLockHeld(t *testing.T) {
	c := Classify(&speclock.HeldError{PID: 123})
	assert.Equal(t, ExitLockHeld, c.ExitCode)
	assert.Equal(t, KindLockHeld, c.Kind)
}

func TestClassifyPhaseTimeout(t *testing.T) {
	c := Classify(&PhaseTimeoutError{Seconds: 600})
	assert.Equal(t, ExitPhaseTimeout, c.ExitCode)
	assert.Equal(t, KindPhaseTimeout, c.Kind)
	assert.Contains(t, c.Reason, "600")
}

func TestClassifyClaudeFailure(t *testing.T) {
	c := Classify(&ClaudeFailureError{Reason: "subprocess exited 1"})
	assert.Equal(t, ExitClaudeFailure, c.ExitCode)
	assert.Equal(t, KindClaudeFailure, c.Kind)
}

func TestClassifyUnknownFallsThrough(t *testing.T) {
	c := Classify(fmt.Errorf("some unexpected I/O error"))
	assert.Equal(t, ExitUnknown, c.ExitCode)
	assert.Equal(t, KindUnknown, c.Kind)
}

func TestClassifyPathTraversal(t *testing.T) {
	c := Classify(&fixup.PathTraversalError{Path: "../../etc/passwd"})
	assert.Equal(t, ExitSecretDetected, c.ExitCode)
	assert.Equal(t, KindPathTraversal, c.Kind)
}

func TestClassifyFuzzyMatchFailed(t *testing.T) {
	c := Classify(&fixup.FuzzyMatchFailedError{File: "src/main.go", ExpectedLine: 42, SearchWindow: 50})
	assert.Equal(t, ExitCLIArgs, c.ExitCode)
	assert.Equal(t, KindFuzzyMatchFailed, c.Kind)
	assert.Contains(t, c.Reason, "src/main.go")
}

func TestClassifyWrappedError(t *testing.T) {
	inner := &CLIArgsError{Reason: "bad config"}
	wrapped := fmt.Errorf("loading: %w", inner)
	c := Classify(wrapped)
	assert.Equal(t, ExitCLIArgs, c.ExitCode)
}

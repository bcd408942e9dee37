// Package xcerr implements the error-to-exit-code taxonomy: a single total
// classification function mapping every internal error variant to
// (exit_code, error_kind, reason), plus the helper that composes a
// terminal error receipt from a classified error.
//
// Unlike the write_error_receipt_and_exit helper this is grounded on,
// nothing in this package calls os.Exit. The classification and receipt
// composition are pure functions; only cmd/xchecker performs the actual
// process exit, which keeps every terminal-error path here unit-testable
// without forking a subprocess per test case.
package xcerr

import (
	"errors"
	"fmt"

	"github.com/githubnext/xchecker/pkg/fixup"
	"github.com/githubnext/xchecker/pkg/packet"
	"github.com/githubnext/xchecker/pkg/speclock"
)

// Exit codes, stable across versions.
const (
	ExitSuccess        = 0
	ExitUnknown        = 1
	ExitCLIArgs        = 2
	ExitPacketOverflow = 7
	ExitSecretDetected = 8
	ExitLockHeld       = 9
	ExitPhaseTimeout   = 10
	ExitClaudeFailure  = 70
)

// Kind is the snake_case error_kind string persisted to receipts.
type Kind string

const (
	KindCLIArgs          Kind = "cli_args"
	KindPacketOverflow   Kind = "packet_overflow"
	KindSecretDetected   Kind = "secret_detected"
	KindLockHeld         Kind = "lock_held"
	KindPhaseTimeout     Kind = "phase_timeout"
	KindClaudeFailure    Kind = "claude_failure"
	KindPathTraversal    Kind = "path_traversal"
	KindFuzzyMatchFailed Kind = "fuzzy_match_failed"
	KindUnknown          Kind = "unknown"
)

// CLIArgsError classifies to (2, cli_args): config parse/validation
// failures, invalid phase transitions, unsatisfied dependencies, unknown
// LLM providers.
type CLIArgsError struct {
	Reason string
}

func (e *CLIArgsError) Error() string { return e.Reason }

// fixup.PathTraversalError classifies to (8, path_traversal) — see Classify.
// It shares secret_detected's exit code because spec §7 groups both under
// the same "Security" error category; the kind string still distinguishes
// them in the receipt.

// fixup.FuzzyMatchFailedError classifies to (2, fuzzy_match_failed) — see
// Classify. Fixup application is an opt-in side effect of the Fixup phase,
// not a core pipeline step, so an unmatched hunk is treated the same as any
// other bad-input/validation failure rather than inventing a new exit code
// outside spec §6's stable, closed list.

// packet.OverflowError classifies to (7, packet_overflow) — see Classify.

// SecretDetectedError classifies to (8, secret_detected).
type SecretDetectedError struct {
	PatternID string
	Location  string
}

func (e *SecretDetectedError) Error() string {
	return fmt.Sprintf("secret detected: pattern=%s location=%s", e.PatternID, e.Location)
}

// speclock.HeldError classifies to (9, lock_held) — see Classify.

// PhaseTimeoutError classifies to (10, phase_timeout).
type PhaseTimeoutError struct {
	Seconds int
}

func (e *PhaseTimeoutError) Error() string {
	return fmt.Sprintf("phase timed out after %d seconds", e.Seconds)
}

// ClaudeFailureError classifies to (70, claude_failure): LLM/runner
// execution failures.
type ClaudeFailureError struct {
	Reason string
}

func (e *ClaudeFailureError) Error() string { return e.Reason }

// Classification is the total result of Classify.
type Classification struct {
	ExitCode int
	Kind     Kind
	Reason   string
}

// Classify maps err to its (exit_code, error_kind, reason). Every error not
// matching a known family classifies to (1, unknown, err.Error()).
func Classify(err error) Classification {
	if err == nil {
		return Classification{ExitCode: ExitSuccess, Kind: "", Reason: ""}
	}

	var cliArgs *CLIArgsError
	var overflow *packet.OverflowError
	var secret *SecretDetectedError
	var lockHeld *speclock.HeldError
	var timeout *PhaseTimeoutError
	var claude *ClaudeFailureError
	var pathTraversal *fixup.PathTraversalError
	var fuzzyMatch *fixup.FuzzyMatchFailedError

	switch {
	case errors.As(err, &cliArgs):
		return Classification{ExitCode: ExitCLIArgs, Kind: KindCLIArgs, Reason: cliArgs.Reason}
	case errors.As(err, &overflow):
		return Classification{ExitCode: ExitPacketOverflow, Kind: KindPacketOverflow, Reason: overflow.Error()}
	case errors.As(err, &secret):
		return Classification{ExitCode: ExitSecretDetected, Kind: KindSecretDetected, Reason: secret.Error()}
	case errors.As(err, &lockHeld):
		return Classification{ExitCode: ExitLockHeld, Kind: KindLockHeld, Reason: lockHeld.Error()}
	case errors.As(err, &timeout):
		return Classification{ExitCode: ExitPhaseTimeout, Kind: KindPhaseTimeout, Reason: timeout.Error()}
	case errors.As(err, &claude):
		return Classification{ExitCode: ExitClaudeFailure, Kind: KindClaudeFailure, Reason: claude.Reason}
	case errors.As(err, &pathTraversal):
		return Classification{ExitCode: ExitSecretDetected, Kind: KindPathTraversal, Reason: pathTraversal.Error()}
	case errors.As(err, &fuzzyMatch):
		return Classification{ExitCode: ExitCLIArgs, Kind: KindFuzzyMatchFailed, Reason: fuzzyMatch.Error()}
	default:
		return Classification{ExitCode: ExitUnknown, Kind: KindUnknown, Reason: err.Error()}
	}
}

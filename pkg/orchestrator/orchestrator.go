// Package orchestrator implements run_phase: the single entry point that
// locks a spec, validates the requested phase transition, assembles and
// scans a context packet, invokes an LlmBackend under a timeout, stages
// canonicalized artifacts, and commits a receipt — in that fixed order,
// on every exit path.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/githubnext/xchecker/pkg/canon"
	"github.com/githubnext/xchecker/pkg/fixup"
	"github.com/githubnext/xchecker/pkg/llm"
	"github.com/githubnext/xchecker/pkg/logger"
	"github.com/githubnext/xchecker/pkg/mathutil"
	"github.com/githubnext/xchecker/pkg/packet"
	"github.com/githubnext/xchecker/pkg/phase"
	"github.com/githubnext/xchecker/pkg/receipt"
	"github.com/githubnext/xchecker/pkg/redact"
	"github.com/githubnext/xchecker/pkg/speclock"
	"github.com/githubnext/xchecker/pkg/xcerr"
	"github.com/githubnext/xchecker/pkg/xcpaths"
)

var log = logger.New("orchestrator")

const minPhaseTimeout = 5 * time.Second
const defaultPhaseTimeout = 600 * time.Second
const minArtifactBytes = 1

// RunConfig carries everything one run_phase invocation needs beyond the
// phase identity itself.
type RunConfig struct {
	Root          string // spec root directory the Packetizer scans
	Selectors     packet.Selectors
	Budget        packet.Budget
	Upstream      []string
	Redactor      *redact.Redactor
	ForbidSecrets bool // default true; orchestrator callers opt out explicitly

	Backend         llm.Backend
	Model           string
	ModelAlias      string
	Timeout         time.Duration
	Prompt          string
	PromptTemplate  PromptTemplate

	LockTTL time.Duration

	XcheckerVersion  string
	ClaudeCLIVersion string
	Runner           string
	RunnerDistro     string
	Flags            map[string]string

	Strict bool

	// FixupApply opts into the Fixup phase's side-effect pass: parsing the
	// unified diff its artifact embeds and applying matched hunks to files
	// under Root. Off by default, since Fixup's markdown artifact alone is
	// the pipeline's normal output.
	FixupApply bool
	// FixupAllowSymlinks permits fixup application to write through a
	// symlinked target path. Off by default.
	FixupAllowSymlinks bool
}

// RunResult mirrors the salient fields of the receipt a successful
// run_phase produced.
type RunResult struct {
	Receipt     receipt.Receipt
	ReceiptPath string
	Next        NextStep
}

// NextStepKind distinguishes the three outcomes a caller driving the
// Requirements→Design→Tasks→Review→Fixup→Final cycle must react to.
type NextStepKind int

const (
	StepContinue NextStepKind = iota
	StepRewind
	StepComplete
)

// NextStep is the value RunPhase's caller uses to decide what to run next,
// modeling the Fixup→Tasks cyclic rewind edge as data instead of a
// recursive internal call.
type NextStep struct {
	Kind   NextStepKind
	Rewind phase.ID // valid only when Kind == StepRewind
}

// nextStepFor derives the outcome signaled after a successful run of ph:
// Final ends the cycle, Fixup always rewinds to Tasks for another pass,
// every other phase simply continues to its successor.
func nextStepFor(ph phase.ID) NextStep {
	switch ph {
	case phase.Final:
		return NextStep{Kind: StepComplete}
	case phase.Fixup:
		return NextStep{Kind: StepRewind, Rewind: phase.Tasks}
	default:
		return NextStep{Kind: StepContinue}
	}
}

// RunPhase executes the full lock→validate→packet→redact→invoke→postprocess
// →receipt sequence for one phase of one spec.
func RunPhase(paths *xcpaths.Paths, specID string, ph phase.ID, cfg RunConfig) (RunResult, error) {
	if err := xcpaths.ValidSpecID(specID); err != nil {
		// specID itself is untrusted here (it is about to become a
		// directory name); it is not safe to write a receipt scoped to it
		// since doing so is exactly what ValidSpecID exists to prevent.
		return RunResult{}, &xcerr.CLIArgsError{Reason: err.Error()}
	}
	if !ph.Valid() {
		err := &xcerr.CLIArgsError{Reason: fmt.Sprintf("unknown phase %q", ph)}
		writeErrorReceipt(receipt.NewStore(paths), specID, ph, cfg, err)
		return RunResult{}, err
	}

	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	guard, err := speclock.Acquire(paths, specID, ttl, cfg.Model, cfg.ClaudeCLIVersion)
	if err != nil {
		return RunResult{}, err // *speclock.HeldError classifies directly
	}
	defer guard.Release()

	store := receipt.NewStore(paths)

	if err := validateTransition(store, specID, ph); err != nil {
		writeErrorReceipt(store, specID, ph, cfg, err)
		return RunResult{}, err
	}

	result, err := packet.Build(paths, specID, ph, cfg.Root, cfg.Selectors, cfg.Budget, cfg.Upstream, cfg.Redactor)
	if err != nil {
		writeErrorReceipt(store, specID, ph, cfg, err)
		return RunResult{}, err
	}

	if cfg.ForbidSecrets {
		if secretErr := scanForSecrets(cfg.Root, result, cfg.Redactor); secretErr != nil {
			writeErrorReceipt(store, specID, ph, cfg, secretErr)
			return RunResult{}, secretErr
		}
	}

	messages := BuildMessages(cfg.PromptTemplate, cfg.Prompt, result.Packet)

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultPhaseTimeout
	}
	timeout = time.Duration(mathutil.Max(int(timeout), int(minPhaseTimeout)))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	llmResult, invokeErr := cfg.Backend.Invoke(ctx, llm.LlmInvocation{
		SpecID:   specID,
		Phase:    ph.String(),
		Model:    cfg.Model,
		Timeout:  timeout,
		Messages: messages,
	})

	if ctx.Err() == context.DeadlineExceeded {
		timeoutErr := &xcerr.PhaseTimeoutError{Seconds: int(timeout.Seconds())}
		if writeErr := writePartialArtifact(paths, specID, ph, timeout); writeErr != nil {
			log.Printf("failed to write partial artifact: %v", writeErr)
		}
		writeTimeoutReceipt(store, specID, ph, cfg, result, timeout)
		return RunResult{}, timeoutErr
	}

	if invokeErr != nil {
		claudeErr := &xcerr.ClaudeFailureError{Reason: invokeErr.Error()}
		writeErrorReceipt(store, specID, ph, cfg, claudeErr)
		return RunResult{}, claudeErr
	}

	outputs, warnings, postErr := postprocess(paths, specID, ph, llmResult.RawResponse, cfg.Strict)
	if postErr != nil {
		writeErrorReceipt(store, specID, ph, cfg, postErr)
		return RunResult{}, postErr
	}

	if ph == phase.Fixup && cfg.FixupApply {
		applied, applyErr := applyFixups(cfg.Root, llmResult.RawResponse, cfg.FixupAllowSymlinks)
		if applyErr != nil {
			writeErrorReceipt(store, specID, ph, cfg, applyErr)
			return RunResult{}, applyErr
		}
		warnings = append(warnings, applied...)
	}

	fallbackUsed, _ := llmResult.Extensions["fallback_used"].(bool)

	r := receipt.Create(receipt.Params{
		SpecID:           specID,
		Phase:            ph.String(),
		XcheckerVersion:  cfg.XcheckerVersion,
		ClaudeCLIVersion: cfg.ClaudeCLIVersion,
		ModelFullName:    llmResult.ModelUsed,
		ModelAlias:       cfg.ModelAlias,
		Runner:           cfg.Runner,
		RunnerDistro:     cfg.RunnerDistro,
		Flags:            cfg.Flags,
		Packet: receipt.PacketEvidence{
			Files:    result.Files,
			MaxBytes: cfg.Budget.MaxBytes,
			MaxLines: cfg.Budget.MaxLines,
		},
		Outputs:      outputs,
		ExitCode:     xcerr.ExitSuccess,
		Warnings:     warnings,
		FallbackUsed: &fallbackUsed,
	}, cfg.Redactor)

	path, err := store.Write(specID, r)
	if err != nil {
		return RunResult{}, err
	}

	log.Printf("completed phase %s for spec %s", ph, specID)
	return RunResult{Receipt: r, ReceiptPath: path, Next: nextStepFor(ph)}, nil
}

// applyFixups parses the unified diff the Fixup phase's raw response
// embeds and, if one is present, applies its hunks to files under root.
// A response with no diff block is a no-op: fixup application is an
// opt-in side effect, not every Fixup artifact proposes file changes.
func applyFixups(root, rawResponse string, allowSymlinks bool) ([]string, error) {
	diffs, err := fixup.ParseDiffs(rawResponse)
	if err != nil {
		return nil, err
	}
	if len(diffs) == 0 {
		return nil, nil
	}

	p := fixup.NewParser(fixup.Apply, root)
	p.AllowSymlinks = allowSymlinks
	result, err := p.ApplyChanges(diffs)
	if err != nil {
		return nil, err
	}

	warnings := make([]string, 0, len(result.AppliedFiles))
	for _, f := range result.AppliedFiles {
		warnings = append(warnings, fmt.Sprintf("fixup_applied:%s", f))
	}
	return warnings, nil
}

// validateTransition ensures every declared dependency of ph has a
// successful (exit_code=0) receipt on record.
func validateTransition(store *receipt.Store, specID string, ph phase.ID) error {
	latest, err := store.LatestPerPhase(specID)
	if err != nil {
		return err
	}
	for _, dep := range ph.Deps() {
		r, ok := latest[dep.String()]
		if !ok || r.ExitCode != 0 {
			return &xcerr.CLIArgsError{Reason: fmt.Sprintf("phase %s requires a successful %s receipt", ph, dep)}
		}
	}
	return nil
}

// scanForSecrets re-scans each selected file's raw, pre-redaction content.
// The Packetizer always redacts what it includes in the packet body (defense
// in depth); this is the policy gate that turns a detected secret into a
// terminal error before the LLM is ever invoked.
func scanForSecrets(root string, result *packet.Result, redactor *redact.Redactor) error {
	for _, f := range result.Files {
		raw, err := os.ReadFile(filepath.Join(root, f.Path))
		if err != nil {
			continue
		}
		matches := redactor.Scan(string(raw), f.Path)
		if len(matches) > 0 {
			m := matches[0]
			return &xcerr.SecretDetectedError{
				PatternID: m.PatternID,
				Location:  fmt.Sprintf("%s:%d", f.Path, m.Line),
			}
		}
	}
	return nil
}

// artifactPaths returns the relative artifact paths a phase produces on
// success, in write order.
func artifactPaths(ph phase.ID) []string {
	prefix := ph.Prefix()
	switch ph {
	case phase.Requirements, phase.Design, phase.Tasks:
		return []string{
			fmt.Sprintf("artifacts/%s-%s.md", prefix, ph),
			fmt.Sprintf("artifacts/%s-%s.core.yaml", prefix, ph),
		}
	default:
		return []string{fmt.Sprintf("artifacts/%s-%s.md", prefix, ph)}
	}
}

// postprocess stages the phase's artifacts from the LLM's raw response,
// canonicalizing each before an atomic write, then hashes them into a
// sorted outputs list. Validation failures become warnings unless strict,
// in which case they become a terminal error.
func postprocess(paths *xcpaths.Paths, specID string, ph phase.ID, raw string, strict bool) ([]receipt.OutputRef, []string, error) {
	if err := paths.EnsureSpecDirs(specID); err != nil {
		return nil, nil, err
	}

	var warnings []string
	var outputs []receipt.OutputRef

	for _, relPath := range artifactPaths(ph) {
		var content []byte
		var fileType canon.FileType
		if strings.HasSuffix(relPath, ".core.yaml") {
			fileType = canon.YAML
			content = []byte(extractYAMLBlock(raw))
		} else {
			fileType = canon.Markdown
			content = []byte(raw)
		}

		canonical, err := canon.Canonicalize(content, fileType)
		if err != nil {
			if strict {
				return nil, nil, &xcerr.CLIArgsError{Reason: fmt.Sprintf("%s failed to canonicalize: %v", relPath, err)}
			}
			warnings = append(warnings, fmt.Sprintf("canonicalize_failed:%s", relPath))
			continue
		}

		if len(strings.TrimSpace(string(canonical))) < minArtifactBytes {
			msg := fmt.Sprintf("empty_artifact:%s", relPath)
			if strict {
				return nil, nil, &xcerr.CLIArgsError{Reason: msg}
			}
			warnings = append(warnings, msg)
		}

		fullPath := filepath.Join(paths.SpecDir(specID), relPath)
		if err := atomicWrite(fullPath, canonical); err != nil {
			return nil, nil, err
		}

		hash, err := canon.Hash(canonical, fileType)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, receipt.OutputRef{Path: relPath, BlakeCanonicalized: hash})
	}

	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Path < outputs[j].Path })
	return outputs, warnings, nil
}

// extractYAMLBlock looks for a fenced ```yaml code block in raw and
// returns its contents; if none is found, it emits a minimal stub
// document so the .core.yaml artifact always parses.
func extractYAMLBlock(raw string) string {
	const fence = "```yaml"
	start := strings.Index(raw, fence)
	if start == -1 {
		return "summary: {}\n"
	}
	rest := raw[start+len(fence):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return "summary: {}\n"
	}
	return strings.TrimSpace(rest[:end]) + "\n"
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("orchestrator: create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("orchestrator: write temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("orchestrator: close temp artifact: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("orchestrator: rename artifact: %w", err)
	}
	return nil
}

// writePartialArtifact writes the fixed timeout template to
// artifacts/<NN>-<phase>.partial.md.
func writePartialArtifact(paths *xcpaths.Paths, specID string, ph phase.ID, timeout time.Duration) error {
	if err := paths.EnsureSpecDirs(specID); err != nil {
		return err
	}
	content := fmt.Sprintf(
		"# %s Phase (Partial - Timeout)\n\nThis phase timed out after %d seconds.\n\nNo output was generated before the timeout occurred.\n",
		capitalize(ph.String()), int(timeout.Seconds()),
	)
	canonical, err := canon.Canonicalize([]byte(content), canon.Markdown)
	if err != nil {
		return err
	}
	path := filepath.Join(paths.SpecDir(specID), "artifacts", fmt.Sprintf("%s-%s.partial.md", ph.Prefix(), ph))
	return atomicWrite(path, canonical)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func writeErrorReceipt(store *receipt.Store, specID string, ph phase.ID, cfg RunConfig, err error) {
	c := xcerr.Classify(err)
	r := receipt.Create(receipt.Params{
		SpecID:           specID,
		Phase:            ph.String(),
		XcheckerVersion:  cfg.XcheckerVersion,
		ClaudeCLIVersion: cfg.ClaudeCLIVersion,
		ModelFullName:    cfg.Model,
		Runner:           cfg.Runner,
		RunnerDistro:     cfg.RunnerDistro,
		Flags:            cfg.Flags,
		ExitCode:         c.ExitCode,
		ErrorKind:        string(c.Kind),
		ErrorReason:      c.Reason,
	}, cfg.Redactor)
	if _, writeErr := store.Write(specID, r); writeErr != nil {
		log.Printf("failed to write error receipt for spec %s phase %s: %v", specID, ph, writeErr)
	}
}

func writeTimeoutReceipt(store *receipt.Store, specID string, ph phase.ID, cfg RunConfig, pkt *packet.Result, timeout time.Duration) {
	r := receipt.Create(receipt.Params{
		SpecID:           specID,
		Phase:            ph.String(),
		XcheckerVersion:  cfg.XcheckerVersion,
		ClaudeCLIVersion: cfg.ClaudeCLIVersion,
		ModelFullName:    cfg.Model,
		Runner:           cfg.Runner,
		RunnerDistro:     cfg.RunnerDistro,
		Flags:            cfg.Flags,
		Packet: receipt.PacketEvidence{
			Files:    pkt.Files,
			MaxBytes: cfg.Budget.MaxBytes,
			MaxLines: cfg.Budget.MaxLines,
		},
		ExitCode:    xcerr.ExitPhaseTimeout,
		ErrorKind:   string(xcerr.KindPhaseTimeout),
		ErrorReason: fmt.Sprintf("phase timed out after %d seconds", int(timeout.Seconds())),
		Warnings:    []string{fmt.Sprintf("phase_timeout:%d", int(timeout.Seconds()))},
	}, cfg.Redactor)
	if _, err := store.Write(specID, r); err != nil {
		log.Printf("failed to write timeout receipt for spec %s phase %s: %v", specID, ph, err)
	}
}

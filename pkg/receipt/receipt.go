// Package receipt builds and persists the canonical, append-only record of
// one phase execution: a Receipt. Receipts are the sole audit trail an
// operator or the StatusReporter ever reads back — every user-visible
// string field is redacted before a Receipt leaves Create, and every
// Receipt is serialized with canon.MarshalJCS so semantically identical
// receipts produce byte-identical files.
package receipt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/githubnext/xchecker/pkg/canon"
	"github.com/githubnext/xchecker/pkg/logger"
	"github.com/githubnext/xchecker/pkg/packet"
	"github.com/githubnext/xchecker/pkg/redact"
	"github.com/githubnext/xchecker/pkg/xcpaths"
)

var log = logger.New("receipt")

// PacketEvidence is the packet summary embedded verbatim in a receipt.
type PacketEvidence struct {
	Files    []packet.FileEvidence `json:"files"`
	MaxBytes int                   `json:"max_bytes"`
	MaxLines int                   `json:"max_lines"`
}

// OutputRef names one artifact a phase produced.
type OutputRef struct {
	Path               string `json:"path"`
	BlakeCanonicalized string `json:"blake3_canonicalized"`
}

// Receipt is the canonical JSON record written once per phase execution.
type Receipt struct {
	SchemaVersion            string          `json:"schema_version"`
	EmittedAt                string          `json:"emitted_at"`
	SpecID                   string          `json:"spec_id"`
	Phase                    string          `json:"phase"`
	XcheckerVersion          string          `json:"xchecker_version"`
	ClaudeCLIVersion         string          `json:"claude_cli_version"`
	ModelFullName            string          `json:"model_full_name"`
	ModelAlias               string          `json:"model_alias,omitempty"`
	CanonicalizationVersion  string          `json:"canonicalization_version"`
	CanonicalizationBackend  string          `json:"canonicalization_backend"`
	Runner                   string          `json:"runner"`
	RunnerDistro             string          `json:"runner_distro,omitempty"`
	Flags                    map[string]string `json:"flags"`
	Packet                   PacketEvidence  `json:"packet"`
	Outputs                  []OutputRef     `json:"outputs"`
	ExitCode                 int             `json:"exit_code"`
	ErrorKind                string          `json:"error_kind,omitempty"`
	ErrorReason              string          `json:"error_reason,omitempty"`
	StderrTail               string          `json:"stderr_tail,omitempty"`
	StderrRedacted           bool            `json:"stderr_redacted,omitempty"`
	Warnings                 []string        `json:"warnings"`
	FallbackUsed             *bool           `json:"fallback_used,omitempty"`
	LLM                      map[string]any  `json:"llm,omitempty"`
	Pipeline                 map[string]any  `json:"pipeline,omitempty"`
	DiffContext              map[string]any  `json:"diff_context,omitempty"`
}

const maxStderrTailBytes = 2048

// Params collects everything Create needs to build one receipt. Every
// string field is redacted before being copied into the Receipt; callers
// must not pre-redact.
type Params struct {
	SpecID                  string
	Phase                   string
	XcheckerVersion         string
	ClaudeCLIVersion        string
	ModelFullName           string
	ModelAlias              string
	Runner                  string
	RunnerDistro            string
	Flags                   map[string]string
	Packet                  PacketEvidence
	Outputs                 []OutputRef
	ExitCode                int
	ErrorKind               string
	ErrorReason             string
	StderrTail              string
	Warnings                []string
	FallbackUsed            *bool
	LLM                     map[string]any
	Pipeline                map[string]any
	DiffContext             map[string]any
}

// Create is a pure constructor: it applies redaction to every user-visible
// string field, sorts outputs by path, and stamps schema_version,
// canonicalization_backend, and emitted_at.
func Create(p Params, redactor *redact.Redactor) Receipt {
	outputs := make([]OutputRef, len(p.Outputs))
	copy(outputs, p.Outputs)
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Path < outputs[j].Path })

	stderrTail := p.StderrTail
	stderrRedacted := false
	if len(stderrTail) > maxStderrTailBytes {
		stderrTail = stderrTail[len(stderrTail)-maxStderrTailBytes:]
	}
	if stderrTail != "" {
		redactedTail := redactor.RedactUserString(stderrTail)
		stderrRedacted = redactedTail != stderrTail
		stderrTail = redactedTail
	}

	r := Receipt{
		SchemaVersion:           "1",
		EmittedAt:               time.Now().UTC().Format(time.RFC3339),
		SpecID:                  p.SpecID,
		Phase:                   p.Phase,
		XcheckerVersion:         p.XcheckerVersion,
		ClaudeCLIVersion:        redactor.RedactUserString(p.ClaudeCLIVersion),
		ModelFullName:           redactor.RedactUserString(p.ModelFullName),
		ModelAlias:              redactor.RedactUserString(p.ModelAlias),
		CanonicalizationVersion: canon.Version,
		CanonicalizationBackend: canon.Backend,
		Runner:                  redactor.RedactUserString(p.Runner),
		RunnerDistro:            redactor.RedactUserString(p.RunnerDistro),
		Flags:                   redactFlags(p.Flags, redactor),
		Packet:                  p.Packet,
		Outputs:                 outputs,
		ExitCode:                p.ExitCode,
		ErrorKind:               p.ErrorKind,
		ErrorReason:             redactor.RedactUserString(p.ErrorReason),
		StderrTail:              stderrTail,
		StderrRedacted:          stderrRedacted,
		Warnings:                redactor.RedactUserStrings(p.Warnings),
		FallbackUsed:            p.FallbackUsed,
		LLM:                     p.LLM,
		Pipeline:                p.Pipeline,
		DiffContext:             p.DiffContext,
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	if r.Outputs == nil {
		r.Outputs = []OutputRef{}
	}
	return r
}

func redactFlags(flags map[string]string, redactor *redact.Redactor) map[string]string {
	if flags == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(flags))
	for k, v := range flags {
		out[k] = redactor.RedactUserString(v)
	}
	return out
}

// Store writes and reads receipts for one xchecker home.
type Store struct {
	paths *xcpaths.Paths
}

// NewStore constructs a Store rooted at paths.
func NewStore(paths *xcpaths.Paths) *Store {
	return &Store{paths: paths}
}

// Write serializes r to JCS and writes it atomically (temp file + rename)
// to receipts/<phase>-<YYYYMMDD_HHMMSS>.json, returning the written path.
func (s *Store) Write(specID string, r Receipt) (string, error) {
	if err := s.paths.EnsureSpecDirs(specID); err != nil {
		return "", err
	}
	data, err := canon.MarshalJCS(r)
	if err != nil {
		return "", fmt.Errorf("receipt: marshal: %w", err)
	}

	ts := time.Now().UTC().Format("20060102_150405")
	name := fmt.Sprintf("%s-%s.json", r.Phase, ts)
	finalPath := filepath.Join(s.paths.ReceiptsDir(specID), name)

	tmp, err := os.CreateTemp(s.paths.ReceiptsDir(specID), ".receipt-*.tmp")
	if err != nil {
		return "", fmt.Errorf("receipt: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("receipt: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("receipt: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("receipt: rename: %w", err)
	}

	log.Printf("wrote receipt %s (exit_code=%d)", finalPath, r.ExitCode)
	return finalPath, nil
}

// entry pairs a parsed receipt with the filename it was read from, since
// the emission timestamp is embedded only in the filename's sortable
// suffix, not guaranteed unique to the second across fast successive runs.
type entry struct {
	name    string
	receipt Receipt
}

// List enumerates receipts for specID, optionally filtered to one phase,
// sorted by emission time (ascending, via filename).
func (s *Store) List(specID string, phase string) ([]Receipt, error) {
	entries, err := s.readAll(specID)
	if err != nil {
		return nil, err
	}
	var out []Receipt
	for _, e := range entries {
		if phase != "" && e.receipt.Phase != phase {
			continue
		}
		out = append(out, e.receipt)
	}
	return out, nil
}

// LatestPerPhase returns the newest receipt for each phase present.
func (s *Store) LatestPerPhase(specID string) (map[string]Receipt, error) {
	entries, err := s.readAll(specID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]Receipt)
	for _, e := range entries {
		latest[e.receipt.Phase] = e.receipt
	}
	return latest, nil
}

func (s *Store) readAll(specID string) ([]entry, error) {
	dir := s.paths.ReceiptsDir(specID)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("receipt: read dir %s: %w", dir, err)
	}

	var names []string
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names) // filenames embed a sortable timestamp suffix

	entries := make([]entry, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("receipt: read %s: %w", name, err)
		}
		var r Receipt
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("receipt: parse %s: %w", name, err)
		}
		entries = append(entries, entry{name: name, receipt: r})
	}
	return entries, nil
}

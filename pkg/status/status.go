// Package status implements the StatusReporter: a read-only view over a
// spec's receipts and lock file, emitted as a canonical JCS JSON document.
package status

import (
	"sort"
	"strings"

	"github.com/githubnext/xchecker/pkg/canon"
	"github.com/githubnext/xchecker/pkg/logger"
	"github.com/githubnext/xchecker/pkg/receipt"
	"github.com/githubnext/xchecker/pkg/speclock"
	"github.com/githubnext/xchecker/pkg/xcpaths"
)

var log = logger.New("status")

// ArtifactRef is one artifact reported in status, with its hash truncated
// to 8 hex characters for display.
type ArtifactRef struct {
	Path          string `json:"path"`
	BlakeFirst8   string `json:"blake3_first8"`
}

// ConfigValue pairs an effective configuration value with where it came
// from, per ConfigSource precedence (cli > env > config-file > default).
type ConfigValue struct {
	Value  string `json:"value"`
	Source string `json:"source"`
}

// LockDrift reports a lock whose recorded identity no longer matches the
// caller's current identity.
type LockDrift struct {
	PreviousModelFullName    string `json:"previous_model_full_name"`
	CurrentModelFullName     string `json:"current_model_full_name"`
	PreviousClaudeCLIVersion string `json:"previous_claude_cli_version"`
	CurrentClaudeCLIVersion  string `json:"current_claude_cli_version"`
}

// Output is the canonical status document.
type Output struct {
	SchemaVersion           string                 `json:"schema_version"`
	EmittedAt               string                 `json:"emitted_at"`
	Runner                  string                 `json:"runner"`
	RunnerDistro            string                 `json:"runner_distro,omitempty"`
	FallbackUsed            bool                   `json:"fallback_used"`
	CanonicalizationVersion string                 `json:"canonicalization_version"`
	CanonicalizationBackend string                 `json:"canonicalization_backend"`
	Artifacts               []ArtifactRef          `json:"artifacts"`
	LastReceiptPath         string                 `json:"last_receipt_path"`
	EffectiveConfig         map[string]ConfigValue `json:"effective_config"`
	LockDrift               *LockDrift             `json:"lock_drift,omitempty"`
	PendingFixups           []string               `json:"pending_fixups,omitempty"`
}

// Gather builds the status document for specID. currentModelFullName and
// currentClaudeCLIVersion are compared against any lock on disk to report
// drift. lastReceiptPath is the on-disk path of the receipt that produced
// the newest per-phase data (supplied by the caller, since ReceiptStore
// tracks receipts by content, not by the path each was written to).
func Gather(paths *xcpaths.Paths, specID string, effectiveConfig map[string]ConfigValue, currentModelFullName, currentClaudeCLIVersion, lastReceiptPath string) (Output, error) {
	store := receipt.NewStore(paths)
	latest, err := store.LatestPerPhase(specID)
	if err != nil {
		return Output{}, err
	}

	var newest receipt.Receipt
	var newestEmittedAt string
	for _, r := range latest {
		if r.EmittedAt > newestEmittedAt {
			newest = r
			newestEmittedAt = r.EmittedAt
		}
	}

	var artifacts []ArtifactRef
	for _, out := range newest.Outputs {
		artifacts = append(artifacts, ArtifactRef{
			Path:        out.Path,
			BlakeFirst8: truncateHash(out.BlakeCanonicalized),
		})
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })

	var pending []string
	for _, r := range latest {
		for _, out := range r.Outputs {
			if strings.HasSuffix(out.Path, ".partial.md") {
				pending = append(pending, out.Path)
			}
		}
	}
	sort.Strings(pending)

	drift, err := speclock.DetectDrift(paths, specID, currentModelFullName, currentClaudeCLIVersion)
	if err != nil {
		return Output{}, err
	}

	out := Output{
		SchemaVersion:           "1",
		EmittedAt:               newest.EmittedAt,
		Runner:                  newest.Runner,
		RunnerDistro:            newest.RunnerDistro,
		FallbackUsed:            newest.FallbackUsed != nil && *newest.FallbackUsed,
		CanonicalizationVersion: canon.Version,
		CanonicalizationBackend: canon.Backend,
		Artifacts:               artifacts,
		LastReceiptPath:         lastReceiptPath,
		EffectiveConfig:         effectiveConfig,
		PendingFixups:           pending,
	}
	if drift != nil {
		out.LockDrift = &LockDrift{
			PreviousModelFullName:    drift.PreviousModelFullName,
			CurrentModelFullName:     drift.CurrentModelFullName,
			PreviousClaudeCLIVersion: drift.PreviousClaudeCLIVersion,
			CurrentClaudeCLIVersion:  drift.CurrentClaudeCLIVersion,
		}
	}
	if out.EffectiveConfig == nil {
		out.EffectiveConfig = map[string]ConfigValue{}
	}

	log.Printf("gathered status for spec %s: %d artifacts, %d pending fixups", specID, len(artifacts), len(pending))
	return out, nil
}

// MarshalJCS serializes out as canonical JSON: compact, keys in
// Unicode code-point order, arrays sorted ascending by path.
func MarshalJCS(out Output) ([]byte, error) {
	return canon.MarshalJCS(out)
}

func truncateHash(h string) string {
	if len(h) < 8 {
		return h
	}
	return h[:8]
}

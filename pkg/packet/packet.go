// Package packet implements the Packetizer: selecting, prioritizing, and
// budget-bounding file content handed to the LLM for one phase, with
// deterministic overflow semantics and a manifest+preview side effect on
// every build (success or overflow).
package packet

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/githubnext/xchecker/pkg/canon"
	"github.com/githubnext/xchecker/pkg/logger"
	"github.com/githubnext/xchecker/pkg/phase"
	"github.com/githubnext/xchecker/pkg/redact"
	"github.com/githubnext/xchecker/pkg/xcpaths"
	"github.com/zeebo/blake3"
)

var log = logger.New("packet")

// Priority orders regular (non-mandatory) files within the packet. Higher
// values are included first.
type Priority int

const (
	PriorityOther Priority = iota
	PriorityCode
	PriorityMarkdown
)

func (p Priority) String() string {
	switch p {
	case PriorityMarkdown:
		return "markdown"
	case PriorityCode:
		return "code"
	default:
		return "normal"
	}
}

func priorityForPath(path string) Priority {
	switch filepath.Ext(path) {
	case ".md", ".markdown":
		return PriorityMarkdown
	case ".go", ".rs", ".py", ".ts", ".js":
		return PriorityCode
	default:
		return PriorityOther
	}
}

// Selectors are glob include/exclude patterns, matched relative to the
// packet's root directory with doublestar (** supported).
type Selectors struct {
	Include []string
	Exclude []string
}

// Budget bounds the assembled packet.
type Budget struct {
	MaxBytes    int
	MaxLines    int
	MaxFileSize int
}

// FileEvidence records what was fed to the LLM for one file, or why a
// candidate file was left out.
type FileEvidence struct {
	Path              string `json:"path"`
	Priority          string `json:"priority"`
	BlakePreRedaction string `json:"blake3_pre_redaction"`
	Included          bool   `json:"included"`
	Reason            string `json:"reason,omitempty"`
	Mandatory         bool   `json:"-"`
}

// BudgetUsage reports the active limits and the totals actually used.
type BudgetUsage struct {
	MaxBytes  int `json:"max_bytes"`
	MaxLines  int `json:"max_lines"`
	UsedBytes int `json:"used_bytes"`
	UsedLines int `json:"used_lines"`
}

// Manifest is the metadata-only record of a packet build, written
// alongside the packet preview. It never contains file contents.
type Manifest struct {
	Phase    string         `json:"phase"`
	Overflow bool           `json:"overflow"`
	Budget   BudgetUsage    `json:"budget"`
	Files    []FileEvidence `json:"files"`
}

// Result is a successfully assembled packet.
type Result struct {
	Packet   string
	Files    []FileEvidence // included files only, in packet order
	Manifest Manifest
}

// OverflowError is returned when a mandatory file cannot fit within budget.
type OverflowError struct {
	UsedBytes  int
	UsedLines  int
	LimitBytes int
	LimitLines int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("packet overflow: used %d/%d bytes, %d/%d lines",
		e.UsedBytes, e.LimitBytes, e.UsedLines, e.LimitLines)
}

func marker(path string) string {
	return fmt.Sprintf("=== %s ===\n", path)
}

// Build enumerates candidate files under root, classifies and sorts them,
// pre-redacts their content, and greedily assembles a packet within
// budget. It always writes a manifest and preview under
// paths.ContextDir(specID); on mandatory overflow it returns *OverflowError
// alongside the partial manifest/preview it managed to write.
func Build(paths *xcpaths.Paths, specID string, ph phase.ID, root string, sel Selectors, budget Budget, upstream []string, redactor *redact.Redactor) (*Result, error) {
	candidates, err := enumerate(root, sel)
	if err != nil {
		return nil, fmt.Errorf("packet: enumerate: %w", err)
	}

	upstreamSet := make(map[string]bool, len(upstream))
	for _, u := range upstream {
		upstreamSet[filepath.ToSlash(u)] = true
	}

	var files []classifiedFile
	for _, relPath := range candidates {
		slash := filepath.ToSlash(relPath)
		mandatory := strings.HasSuffix(relPath, ".core.yaml") || upstreamSet[slash]
		info, statErr := os.Stat(filepath.Join(root, relPath))
		if statErr != nil {
			return nil, fmt.Errorf("packet: stat %s: %w", relPath, statErr)
		}
		files = append(files, classifiedFile{
			path:      relPath,
			mandatory: mandatory,
			priority:  priorityForPath(relPath),
			size:      info.Size(),
		})
	}

	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.mandatory != b.mandatory {
			return a.mandatory // mandatory first
		}
		if a.mandatory {
			return a.path < b.path
		}
		if a.priority != b.priority {
			return a.priority > b.priority // priority desc
		}
		return a.path < b.path
	})

	var evidence []FileEvidence
	var packetBuilder strings.Builder
	usedBytes, usedLines := 0, 0
	overflowed := false
	var overflowErr *OverflowError

	for _, f := range files {
		raw, readErr := os.ReadFile(filepath.Join(root, f.path))
		if readErr != nil {
			return nil, fmt.Errorf("packet: read %s: %w", f.path, readErr)
		}
		preHash := fmt.Sprintf("%x", blake3.Sum256(raw))

		ev := FileEvidence{
			Path:              f.path,
			Priority:          priorityLabel(f),
			BlakePreRedaction: preHash,
			Mandatory:         f.mandatory,
		}

		if budget.MaxFileSize > 0 && int(f.size) > budget.MaxFileSize {
			ev.Included = false
			ev.Reason = "exceeds max_file_size"
			evidence = append(evidence, ev)
			if f.mandatory {
				overflowed = true
				overflowErr = &OverflowError{UsedBytes: usedBytes, UsedLines: usedLines, LimitBytes: budget.MaxBytes, LimitLines: budget.MaxLines}
				break
			}
			continue
		}

		redacted := redactor.Redact(string(raw), f.path).Content
		block := marker(f.path) + redacted + "\n"
		blockBytes := len(block)
		blockLines := strings.Count(block, "\n")

		fits := usedBytes+blockBytes <= budget.MaxBytes && usedLines+blockLines <= budget.MaxLines
		if !fits {
			if f.mandatory {
				ev.Included = false
				ev.Reason = "packet overflow"
				evidence = append(evidence, ev)
				overflowed = true
				overflowErr = &OverflowError{UsedBytes: usedBytes, UsedLines: usedLines, LimitBytes: budget.MaxBytes, LimitLines: budget.MaxLines}
				break
			}
			ev.Included = false
			ev.Reason = "budget exceeded"
			evidence = append(evidence, ev)
			continue
		}

		packetBuilder.WriteString(block)
		usedBytes += blockBytes
		usedLines += blockLines
		ev.Included = true
		evidence = append(evidence, ev)
	}

	manifest := Manifest{
		Phase:    ph.String(),
		Overflow: overflowed,
		Budget: BudgetUsage{
			MaxBytes:  budget.MaxBytes,
			MaxLines:  budget.MaxLines,
			UsedBytes: usedBytes,
			UsedLines: usedLines,
		},
		Files: evidence,
	}

	if err := writeManifestAndPreview(paths, specID, ph, manifest, packetBuilder.String()); err != nil {
		return nil, err
	}

	if overflowed {
		log.Printf("packet overflow for phase %s: %v", ph, overflowErr)
		return nil, overflowErr
	}

	var included []FileEvidence
	for _, ev := range evidence {
		if ev.Included {
			included = append(included, ev)
		}
	}

	log.Printf("built packet for phase %s: %d bytes, %d lines, %d files", ph, usedBytes, usedLines, len(included))

	return &Result{
		Packet:   packetBuilder.String(),
		Files:    included,
		Manifest: manifest,
	}, nil
}

type classifiedFile struct {
	path      string
	mandatory bool
	priority  Priority
	size      int64
}

func priorityLabel(f classifiedFile) string {
	if f.mandatory {
		return "mandatory"
	}
	return f.priority.String()
}

func enumerate(root string, sel Selectors) ([]string, error) {
	included := make(map[string]bool)
	for _, pattern := range sel.Include {
		matches, err := doublestar.Glob(os.DirFS(root), pattern)
		if err != nil {
			return nil, fmt.Errorf("include pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(filepath.Join(root, m))
			if err != nil || info.IsDir() {
				continue
			}
			included[m] = true
		}
	}
	for _, pattern := range sel.Exclude {
		matches, err := doublestar.Glob(os.DirFS(root), pattern)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			delete(included, m)
		}
	}

	out := make([]string, 0, len(included))
	for m := range included {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func writeManifestAndPreview(paths *xcpaths.Paths, specID string, ph phase.ID, manifest Manifest, packetText string) error {
	if err := paths.EnsureSpecDirs(specID); err != nil {
		return err
	}

	previewPath := filepath.Join(paths.ContextDir(specID), fmt.Sprintf("%s-packet.txt", ph))
	if err := os.WriteFile(previewPath, []byte(packetText), 0o644); err != nil {
		return fmt.Errorf("packet: write preview: %w", err)
	}

	manifestJSON, err := canon.MarshalJCS(manifest)
	if err != nil {
		return fmt.Errorf("packet: marshal manifest: %w", err)
	}
	manifestPath := filepath.Join(paths.ContextDir(specID), fmt.Sprintf("%s-packet.manifest.json", ph))
	if err := os.WriteFile(manifestPath, append(manifestJSON, '\n'), 0o644); err != nil {
		return fmt.Errorf("packet: write manifest: %w", err)
	}

	return nil
}

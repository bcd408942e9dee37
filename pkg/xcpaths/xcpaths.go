// Package xcpaths resolves the per-spec directory layout rooted at the
// xchecker home directory.
//
// The home directory is resolved once, at construction time, from (in
// order) an explicit override, the XCHECKER_HOME environment variable, or
// ./.xchecker under the caller's working directory. Unlike the original
// implementation's process-global home lookup, Paths carries the resolved
// home as an explicit field so every component receives it as a parameter
// instead of reading shared process state — tests construct their own
// *Paths pointed at a t.TempDir() and run in parallel safely with no
// thread-local workaround required.
package xcpaths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/githubnext/xchecker/pkg/logger"
)

var log = logger.New("xcpaths")

const envHome = "XCHECKER_HOME"

// specIDPattern matches the portable subset of characters a spec_id may use,
// since it is used verbatim as a directory name.
var specIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidSpecID reports whether id is a non-empty, portable directory-safe
// identifier.
func ValidSpecID(id string) error {
	if id == "" {
		return fmt.Errorf("spec id must not be empty")
	}
	if !specIDPattern.MatchString(id) {
		return fmt.Errorf("spec id %q must match [A-Za-z0-9._-]+", id)
	}
	return nil
}

// Paths resolves the directory layout for one xchecker home.
type Paths struct {
	home string
}

// New constructs Paths rooted at an already-resolved home directory. Use
// Discover to apply the standard override/env/cwd resolution chain.
func New(home string) *Paths {
	return &Paths{home: home}
}

// Discover resolves the home directory using the standard precedence:
// explicit override, then XCHECKER_HOME, then ./.xchecker in the working
// directory.
func Discover(override string) (*Paths, error) {
	if override != "" {
		log.Printf("using home override: %s", override)
		return &Paths{home: override}, nil
	}
	if envVal := os.Getenv(envHome); envVal != "" {
		log.Printf("using %s: %s", envHome, envVal)
		return &Paths{home: envVal}, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	home := filepath.Join(wd, ".xchecker")
	log.Printf("using default home: %s", home)
	return &Paths{home: home}, nil
}

// Home returns the resolved xchecker home directory.
func (p *Paths) Home() string {
	return p.home
}

// SpecDir returns <home>/specs/<spec_id>.
func (p *Paths) SpecDir(specID string) string {
	return filepath.Join(p.home, "specs", specID)
}

// ArtifactsDir returns <home>/specs/<spec_id>/artifacts.
func (p *Paths) ArtifactsDir(specID string) string {
	return filepath.Join(p.SpecDir(specID), "artifacts")
}

// ReceiptsDir returns <home>/specs/<spec_id>/receipts.
func (p *Paths) ReceiptsDir(specID string) string {
	return filepath.Join(p.SpecDir(specID), "receipts")
}

// ContextDir returns <home>/specs/<spec_id>/context.
func (p *Paths) ContextDir(specID string) string {
	return filepath.Join(p.SpecDir(specID), "context")
}

// LockFile returns <home>/specs/<spec_id>/lock.json.
func (p *Paths) LockFile(specID string) string {
	return filepath.Join(p.SpecDir(specID), "lock.json")
}

// EnsureSpecDirs creates artifacts/, receipts/, and context/ under the
// spec's directory, if they do not already exist.
func (p *Paths) EnsureSpecDirs(specID string) error {
	for _, dir := range []string{p.ArtifactsDir(specID), p.ReceiptsDir(specID), p.ContextDir(specID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

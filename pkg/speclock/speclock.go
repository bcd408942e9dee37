// Package speclock implements the exclusive per-spec lock that wraps every
// phase execution: an atomically created lock.json recording the holding
// process's identity, with stale-lock recovery for crashed holders and
// drift detection for holders whose model/CLI identity has since changed.
package speclock

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/githubnext/xchecker/pkg/logger"
	"github.com/githubnext/xchecker/pkg/xcpaths"
)

var log = logger.New("speclock")

// LockFile is the persisted content of a spec's lock.json.
type LockFile struct {
	PID             int    `json:"pid"`
	CreatedAt       string `json:"created_at"`
	TTLSeconds      int    `json:"ttl_seconds"`
	SpecID          string `json:"spec_id"`
	ModelFullName   string `json:"model_full_name"`
	ClaudeCLIVersion string `json:"claude_cli_version"`
	SchemaVersion   string `json:"schema_version"`
}

// HeldError is returned by Acquire when a live, non-expired lock already
// exists for the spec.
type HeldError struct {
	PID int
	Age time.Duration
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock held by pid %d (age %s)", e.PID, e.Age.Round(time.Second))
}

// Guard represents a held lock. Release must be called exactly once,
// typically via defer, on every exit path (success, error, or panic).
type Guard struct {
	path     string
	released bool
}

// Drift describes a mismatch between a previously-recorded lock identity
// and the current process's identity.
type Drift struct {
	PreviousModelFullName    string
	CurrentModelFullName     string
	PreviousClaudeCLIVersion string
	CurrentClaudeCLIVersion  string
}

func (d *Drift) String() string {
	return fmt.Sprintf("model %q->%q, claude_cli %q->%q",
		d.PreviousModelFullName, d.CurrentModelFullName,
		d.PreviousClaudeCLIVersion, d.CurrentClaudeCLIVersion)
}

// Acquire creates lock.json for specID exclusively. If a lock file already
// exists, it is read and evaluated: if its pid is no longer running, or its
// created_at+ttl_seconds has elapsed, it is treated as stale and overwritten.
// Otherwise Acquire returns *HeldError.
func Acquire(paths *xcpaths.Paths, specID string, ttl time.Duration, modelFullName, claudeCLIVersion string) (*Guard, error) {
	if err := paths.EnsureSpecDirs(specID); err != nil {
		return nil, err
	}
	path := paths.LockFile(specID)

	lf := LockFile{
		PID:              os.Getpid(),
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
		TTLSeconds:       int(ttl.Seconds()),
		SpecID:           specID,
		ModelFullName:    modelFullName,
		ClaudeCLIVersion: claudeCLIVersion,
		SchemaVersion:    "1",
	}
	data, err := json.Marshal(lf)
	if err != nil {
		return nil, fmt.Errorf("speclock: marshal: %w", err)
	}

	if err := tryCreateExclusive(path, data); err == nil {
		log.Printf("acquired lock for spec %s (pid %d)", specID, lf.PID)
		return &Guard{path: path}, nil
	} else if !os.IsExist(err) {
		return nil, fmt.Errorf("speclock: create %s: %w", path, err)
	}

	existing, readErr := readLockFile(path)
	if readErr != nil {
		// Unreadable/corrupt lock file: treat as stale and reclaim it.
		log.Printf("existing lock at %s unreadable (%v); reclaiming", path, readErr)
		if err := forceWrite(path, data); err != nil {
			return nil, err
		}
		return &Guard{path: path}, nil
	}

	if isStale(existing) {
		log.Printf("existing lock for spec %s is stale (pid %d); reclaiming", specID, existing.PID)
		if err := forceWrite(path, data); err != nil {
			return nil, err
		}
		return &Guard{path: path}, nil
	}

	age := time.Since(parseCreatedAt(existing.CreatedAt))
	return nil, &HeldError{PID: existing.PID, Age: age}
}

// Release removes the lock file. Safe to call more than once; subsequent
// calls are no-ops.
func (g *Guard) Release() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("speclock: release: %w", err)
	}
	return nil
}

// DetectDrift compares the current lock on disk, if any, against the
// caller's current model/CLI identity and returns a non-nil *Drift when
// they differ. Returns (nil, nil) if there is no lock on disk.
func DetectDrift(paths *xcpaths.Paths, specID, currentModelFullName, currentClaudeCLIVersion string) (*Drift, error) {
	path := paths.LockFile(specID)
	lf, err := readLockFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("speclock: read %s: %w", path, err)
	}
	if lf.ModelFullName == currentModelFullName && lf.ClaudeCLIVersion == currentClaudeCLIVersion {
		return nil, nil
	}
	return &Drift{
		PreviousModelFullName:    lf.ModelFullName,
		CurrentModelFullName:     currentModelFullName,
		PreviousClaudeCLIVersion: lf.ClaudeCLIVersion,
		CurrentClaudeCLIVersion:  currentClaudeCLIVersion,
	}, nil
}

func tryCreateExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func forceWrite(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("speclock: overwrite stale lock: %w", err)
	}
	return nil
}

func readLockFile(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lf LockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("unmarshal lock file: %w", err)
	}
	return &lf, nil
}

func isStale(lf *LockFile) bool {
	if !pidAlive(lf.PID) {
		return true
	}
	createdAt := parseCreatedAt(lf.CreatedAt)
	expires := createdAt.Add(time.Duration(lf.TTLSeconds) * time.Second)
	return time.Now().UTC().After(expires)
}

func parseCreatedAt(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Unparseable timestamp: treat as already expired so the lock is
		// reclaimable rather than stuck forever.
		return time.Unix(0, 0).UTC()
	}
	return t
}

// pidAlive reports whether a process with the given pid currently exists.
// Sending signal 0 performs existence/permission checks without delivering
// an actual signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	// EPERM means the process exists but we can't signal it: still alive.
	return err == syscall.EPERM
}

package speclock

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/githubnext/xchecker/pkg/xcpaths"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	paths := xcpaths.New(t.TempDir())

	guard, err := Acquire(paths, "spec-1", time.Hour, "claude-3-opus", "1.2.3")
	require.NoError(t, err)
	require.NotNil(t, guard)

	_, statErr := os.Stat(paths.LockFile("spec-1"))
	assert.NoError(t, statErr)

	require.NoError(t, guard.Release())
	_, statErr = os.Stat(paths.LockFile("spec-1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestAcquireHeldByLiveProcess(t *testing.T) {
	paths := xcpaths.New(t.TempDir())

	guard, err := Acquire(paths, "spec-1", time.Hour, "m1", "v1")
	require.NoError(t, err)
	defer guard.Release()

	_, err = Acquire(paths, "spec-1", time.Hour, "m1", "v1")
	require.Error(t, err)

	var heldErr *HeldError
	require.ErrorAs(t, err, &heldErr)
	assert.Equal(t, os.Getpid(), heldErr.PID)
}

func TestAcquireReclaimsStaleByDeadPID(t *testing.T) {
	paths := xcpaths.New(t.TempDir())
	require.NoError(t, paths.EnsureSpecDirs("spec-1"))

	stale := LockFile{
		PID:              999999999, // overwhelmingly likely not to exist
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
		TTLSeconds:       3600,
		SpecID:           "spec-1",
		ModelFullName:    "old-model",
		ClaudeCLIVersion: "0.0.1",
		SchemaVersion:    "1",
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths.LockFile("spec-1"), data, 0o644))

	guard, err := Acquire(paths, "spec-1", time.Hour, "new-model", "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, guard)

	data, err = os.ReadFile(paths.LockFile("spec-1"))
	require.NoError(t, err)
	var lf LockFile
	require.NoError(t, json.Unmarshal(data, &lf))
	assert.Equal(t, "new-model", lf.ModelFullName)
	assert.Equal(t, os.Getpid(), lf.PID)
}

func TestAcquireReclaimsStaleByExpiredTTL(t *testing.T) {
	paths := xcpaths.New(t.TempDir())
	require.NoError(t, paths.EnsureSpecDirs("spec-1"))

	stale := LockFile{
		PID:              os.Getpid(), // alive, but TTL has elapsed
		CreatedAt:        time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339),
		TTLSeconds:       60,
		SpecID:           "spec-1",
		ModelFullName:    "old-model",
		ClaudeCLIVersion: "0.0.1",
		SchemaVersion:    "1",
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths.LockFile("spec-1"), data, 0o644))

	guard, err := Acquire(paths, "spec-1", time.Hour, "new-model", "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, guard)
}

func TestReleaseIsIdempotent(t *testing.T) {
	paths := xcpaths.New(t.TempDir())
	guard, err := Acquire(paths, "spec-1", time.Hour, "m1", "v1")
	require.NoError(t, err)

	require.NoError(t, guard.Release())
	require.NoError(t, guard.Release())
}

func TestDetectDriftNoLock(t *testing.T) {
	paths := xcpaths.New(t.TempDir())
	drift, err := DetectDrift(paths, "spec-1", "m1", "v1")
	require.NoError(t, err)
	assert.Nil(t, drift)
}

func TestDetectDriftMatchesIdentity(t *testing.T) {
	paths := xcpaths.New(t.TempDir())
	guard, err := Acquire(paths, "spec-1", time.Hour, "m1", "v1")
	require.NoError(t, err)
	defer guard.Release()

	drift, err := DetectDrift(paths, "spec-1", "m1", "v1")
	require.NoError(t, err)
	assert.Nil(t, drift)
}

func TestDetectDriftReportsChange(t *testing.T) {
	paths := xcpaths.New(t.TempDir())
	guard, err := Acquire(paths, "spec-1", time.Hour, "m1", "v1")
	require.NoError(t, err)
	defer guard.Release()

	drift, err := DetectDrift(paths, "spec-1", "m2", "v1")
	require.NoError(t, err)
	require.NotNil(t, drift)
	assert.Equal(t, "m1", drift.PreviousModelFullName)
	assert.Equal(t, "m2", drift.CurrentModelFullName)
}

func TestHeldErrorMessage(t *testing.T) {
	err := &HeldError{PID: 123, Age: 5 * time.Second}
	assert.Contains(t, err.Error(), "123")
}

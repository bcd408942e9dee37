package xcpaths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidSpecID(t *testing.T) {
	assert.NoError(t, ValidSpecID("demo"))
	assert.NoError(t, ValidSpecID("demo-spec_v1.2"))
	assert.Error(t, ValidSpecID(""))
	assert.Error(t, ValidSpecID("demo/spec"))
	assert.Error(t, ValidSpecID("demo spec"))
}

func TestLayout(t *testing.T) {
	home := t.TempDir()
	p := New(home)

	assert.Equal(t, filepath.Join(home, "specs", "demo"), p.SpecDir("demo"))
	assert.Equal(t, filepath.Join(home, "specs", "demo", "artifacts"), p.ArtifactsDir("demo"))
	assert.Equal(t, filepath.Join(home, "specs", "demo", "receipts"), p.ReceiptsDir("demo"))
	assert.Equal(t, filepath.Join(home, "specs", "demo", "context"), p.ContextDir("demo"))
	assert.Equal(t, filepath.Join(home, "specs", "demo", "lock.json"), p.LockFile("demo"))
}

func TestEnsureSpecDirs(t *testing.T) {
	home := t.TempDir()
	p := New(home)
	require.NoError(t, p.EnsureSpecDirs("demo"))

	for _, dir := range []string{p.ArtifactsDir("demo"), p.ReceiptsDir("demo"), p.ContextDir("demo")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestDiscoverOverride(t *testing.T) {
	home := t.TempDir()
	p, err := Discover(home)
	require.NoError(t, err)
	assert.Equal(t, home, p.Home())
}

func TestDiscoverEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv(envHome, home)
	p, err := Discover("")
	require.NoError(t, err)
	assert.Equal(t, home, p.Home())
}

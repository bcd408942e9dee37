package status

import (
	"strings"
	"testing"
	"time"

	"github.com/githubnext/xchecker/pkg/receipt"
	"github.com/githubnext/xchecker/pkg/redact"
	"github.com/githubnext/xchecker/pkg/speclock"
	"github.com/githubnext/xchecker/pkg/xcpaths"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatherNoReceiptsYieldsEmptyStatus(t *testing.T) {
	paths := xcpaths.New(t.TempDir())
	out, err := Gather(paths, "spec-1", nil, "m1", "v1", "")
	require.NoError(t, err)
	assert.Empty(t, out.Artifacts)
	assert.Empty(t, out.PendingFixups)
	assert.Nil(t, out.LockDrift)
	assert.Equal(t, "1", out.SchemaVersion)
}

func TestGatherCollectsArtifactsSortedByPath(t *testing.T) {
	paths := xcpaths.New(t.TempDir())
	store := receipt.NewStore(paths)

	r := receipt.Create(receipt.Params{
		SpecID: "spec-1",
		Phase:  "requirements",
		Outputs: []receipt.OutputRef{
			{Path: "artifacts/00-requirements.md", BlakeCanonicalized: strings.Repeat("b", 64)},
			{Path: "artifacts/00-requirements.core.yaml", BlakeCanonicalized: strings.Repeat("a", 64)},
		},
	}, redact.Default())
	_, err := store.Write("spec-1", r)
	require.NoError(t, err)

	out, err := Gather(paths, "spec-1", nil, "m1", "v1", "")
	require.NoError(t, err)
	require.Len(t, out.Artifacts, 2)
	assert.Equal(t, "artifacts/00-requirements.core.yaml", out.Artifacts[0].Path)
	assert.Len(t, out.Artifacts[0].BlakeFirst8, 8)
}

func TestGatherReportsLockDrift(t *testing.T) {
	paths := xcpaths.New(t.TempDir())
	guard, err := speclock.Acquire(paths, "spec-1", time.Hour, "old-model", "0.0.1")
	require.NoError(t, err)
	defer guard.Release()

	out, err := Gather(paths, "spec-1", nil, "new-model", "0.0.1", "")
	require.NoError(t, err)
	require.NotNil(t, out.LockDrift)
	assert.Equal(t, "old-model", out.LockDrift.PreviousModelFullName)
	assert.Equal(t, "new-model", out.LockDrift.CurrentModelFullName)
}

func TestGatherPendingFixups(t *testing.T) {
	paths := xcpaths.New(t.TempDir())
	store := receipt.NewStore(paths)

	r := receipt.Create(receipt.Params{
		SpecID: "spec-1",
		Phase:  "requirements",
		Outputs: []receipt.OutputRef{
			{Path: "artifacts/00-requirements.partial.md", BlakeCanonicalized: strings.Repeat("c", 64)},
		},
	}, redact.Default())
	_, err := store.Write("spec-1", r)
	require.NoError(t, err)

	out, err := Gather(paths, "spec-1", nil, "m1", "v1", "")
	require.NoError(t, err)
	require.Len(t, out.PendingFixups, 1)
	assert.Equal(t, "artifacts/00-requirements.partial.md", out.PendingFixups[0])
}

func TestMarshalJCSIsCompactAndKeySorted(t *testing.T) {
	out := Output{SchemaVersion: "1", EffectiveConfig: map[string]ConfigValue{}}
	data, err := MarshalJCS(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"schema_version":"1"`)
}

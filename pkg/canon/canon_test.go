package canon

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeMarkdown(t *testing.T) {
	in := "# Title   \r\nline one   \r\n\r\n\r\n\r\nline two\n"
	out, err := Canonicalize([]byte(in), Markdown)
	require.NoError(t, err)
	assert.Equal(t, "# Title\nline one\n\nline two\n", string(out))
}

func TestCanonicalizePlain(t *testing.T) {
	out, err := Canonicalize([]byte("a\r\nb\r\n\r\n"), Plain)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n\n", string(out))
}

func TestCanonicalizeYAMLMalformed(t *testing.T) {
	_, err := Canonicalize([]byte("key: [unterminated"), YAML)
	assert.Error(t, err)
}

func TestHashDeterministicAcrossKeyOrderAndWhitespace(t *testing.T) {
	a := "b: 2\na: 1\n"
	b := "a:   1\nb:   2\n"

	hashA, err := Hash([]byte(a), YAML)
	require.NoError(t, err)
	hashB, err := Hash([]byte(b), YAML)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.Len(t, hashA, 64)
}

func TestHashDeterministicForMarkdownNormalization(t *testing.T) {
	a := "Title\r\ntext here\r\n"
	b := "Title\ntext here   \n\n\n\n"

	hashA, err := Hash([]byte(a), Markdown)
	require.NoError(t, err)
	hashB, err := Hash([]byte(b), Markdown)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
}

func TestMarshalJCSKeyOrderIndependence(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1}

	outA, err := MarshalJCS(a)
	require.NoError(t, err)
	outB, err := MarshalJCS(b)
	require.NoError(t, err)

	assert.Equal(t, string(outA), string(outB))
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(outA))

	if diff := cmp.Diff(outA, outB); diff != "" {
		t.Errorf("unexpected diff (-got +want):\n%s", diff)
	}
}

func TestMarshalJCSCompact(t *testing.T) {
	out, err := MarshalJCS(struct {
		Name string `json:"name"`
	}{Name: "demo"})
	require.NoError(t, err)
	assert.NotContains(t, string(out), " ")
	assert.NotContains(t, string(out), "\n")
}

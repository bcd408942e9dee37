package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDryRunBackendEchoesMessages(t *testing.T) {
	backend := DryRunBackend{}
	result, err := backend.Invoke(context.Background(), LlmInvocation{
		Phase: "requirements",
		Model: "dry-run-model",
		Messages: []Message{
			{Role: RoleSystem, Content: "be terse"},
			{Role: RoleUser, Content: "build the thing"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, result.RawResponse, "requirements")
	assert.Contains(t, result.RawResponse, "build the thing")
	assert.Equal(t, "dry-run-model", result.ModelUsed)
	assert.Equal(t, false, result.Extensions["fallback_used"])
}

func TestRingBufferTruncates(t *testing.T) {
	rb := newRingBuffer(8)
	_, _ = rb.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", rb.String())
	assert.True(t, rb.Truncated())
}

func TestRingBufferNoTruncationUnderLimit(t *testing.T) {
	rb := newRingBuffer(100)
	_, _ = rb.Write([]byte("short"))
	assert.Equal(t, "short", rb.String())
	assert.False(t, rb.Truncated())
}

func TestParseNDJSONRecoversLastAssistantMessage(t *testing.T) {
	raw := `{"type":"message","message":{"role":"assistant","content":"first"}}
{"type":"message","message":{"role":"user","content":"ignored"}}
{"type":"message","message":{"role":"assistant","content":"final answer"}}
`
	text, fallback := parseNDJSON(raw)
	assert.Equal(t, "final answer", text)
	assert.False(t, fallback)
}

func TestParseNDJSONFallsBackToPlainText(t *testing.T) {
	raw := "not json at all, just prose output\n"
	text, fallback := parseNDJSON(raw)
	assert.Equal(t, raw, text)
	assert.True(t, fallback)
}

func TestSubprocessBackendInvokesRealCommand(t *testing.T) {
	backend := &SubprocessBackend{BinaryPath: "/bin/echo", Args: []string{"hello"}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := backend.Invoke(ctx, LlmInvocation{Model: "m", Messages: nil})
	require.NoError(t, err)
	assert.Contains(t, result.RawResponse, "hello")
	assert.Equal(t, 0, result.Extensions["exit_code"])
}

func TestSubprocessBackendRespectsTimeout(t *testing.T) {
	backend := &SubprocessBackend{BinaryPath: "/bin/sleep", Args: []string{"30"}}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := backend.Invoke(ctx, LlmInvocation{Model: "m"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 5*time.Second)
}

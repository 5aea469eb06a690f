package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kataru/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://cloud.langfuse.com", cfg.Host)
	assert.Equal(t, "X-Narrative-Trace-Id", cfg.CorrelationHeader)
	assert.Equal(t, 5*time.Minute, cfg.SpanTimeout)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 1000, cfg.SinkBufferSize)
	assert.Equal(t, 16*1024, cfg.MaxPayloadBytes)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Strict)
	assert.False(t, cfg.HasCredentials())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KATARU_PUBLIC_KEY", "pk-test")
	t.Setenv("KATARU_SECRET_KEY", "sk-test")
	t.Setenv("KATARU_HOST", "https://langfuse.internal")
	t.Setenv("KATARU_CORRELATION_HEADER", "X-Custom-Trace")
	t.Setenv("KATARU_SPAN_TIMEOUT", "90s")
	t.Setenv("KATARU_SINK_BUFFER_SIZE", "50")
	t.Setenv("KATARU_ENABLED", "false")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.HasCredentials())
	assert.Equal(t, "https://langfuse.internal", cfg.Host)
	assert.Equal(t, "X-Custom-Trace", cfg.CorrelationHeader)
	assert.Equal(t, 90*time.Second, cfg.SpanTimeout)
	assert.Equal(t, 50, cfg.SinkBufferSize)
	assert.False(t, cfg.Enabled)
}

func TestLoad_MalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("KATARU_SPAN_TIMEOUT", "not-a-duration")
	t.Setenv("KATARU_SINK_BUFFER_SIZE", "many")
	t.Setenv("KATARU_ENABLED", "si")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.SpanTimeout)
	assert.Equal(t, 1000, cfg.SinkBufferSize)
	assert.True(t, cfg.Enabled)
}

func TestLoad_StrictWithoutCredentialsFails(t *testing.T) {
	t.Setenv("KATARU_STRICT", "true")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KATARU_STRICT")
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	bad := cfg
	bad.SpanTimeout = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.CorrelationHeader = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxPayloadBytes = -1
	assert.Error(t, bad.Validate())
}

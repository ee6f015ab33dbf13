package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureGlobal(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)
	return &buf
}

func TestFromCtx(t *testing.T) {
	buf := captureGlobal(t)

	ctx := WithChunk(WithJob(context.Background(), "job1"), "job1_chunk_0", "http://w1")
	FromCtx(ctx).Info().Msg("hello")

	var ev map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, "job1", ev["job_id"])
	assert.Equal(t, "job1_chunk_0", ev["chunk_id"])
	assert.Equal(t, "http://w1", ev["worker"])
	assert.Equal(t, "hello", ev["message"])
}

func TestLineWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	lw := NewLineWriter(&logger, zerolog.InfoLevel)

	_, err := lw.Write([]byte("frame=1\nframe="))
	require.NoError(t, err)
	_, err = lw.Write([]byte("2\r\n\npartial"))
	require.NoError(t, err)
	lw.Flush()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"message":"frame=1"`)
	assert.Contains(t, lines[1], `"message":"frame=2"`)
	assert.Contains(t, lines[2], `"message":"partial"`)
}

func TestSetupDefaultsToInfo(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	logger := Setup(Config{Service: "test", Level: "bogus"})
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

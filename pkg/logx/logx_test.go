package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(ln) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(ln, &m), string(ln))
		out = append(out, m)
	}
	return out
}

func TestLogger_FieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "engine"))

	log.Debug("hidden")
	log.Info("job done",
		String("job_id", "j1"),
		Int("attempts", 2),
		Duration("took", 1500*time.Millisecond),
		Err(errors.New("boom")),
		Err(nil),
		Stack("  "),
	)

	got := lines(t, buf.Bytes())
	require.Len(t, got, 1)
	e := got[0]
	assert.Equal(t, "job done", e["message"])
	assert.Equal(t, "engine", e["comp"])
	assert.Equal(t, "j1", e["job_id"])
	assert.EqualValues(t, 2, e["attempts"])
	assert.Equal(t, "1.5s", e["took"])
	assert.Equal(t, "boom", e["err"])
	assert.NotContains(t, e, "stack")
	assert.True(t, strings.HasPrefix(e["caller"].(string), "logx_test.go:"))
}

func TestLogger_ZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("dropped")

	assert.False(t, Nop().IsZero())
	Nop().Error("dropped")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud", zerolog.InfoLevel))
}

func TestService_ApplySwapsSinks(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	s := &Service{stdout: &stdout, stderr: &stderr}

	s.Apply(Config{Level: "debug", Console: true, JSON: true})
	log := s.Logger().With(String("comp", "app"))
	log.Debug("one")
	require.Len(t, lines(t, stdout.Bytes()), 1)

	path := filepath.Join(dir, "logs", "postsched.log")
	s.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	log.Info("filtered")
	log.Warn("two")
	f := s.file
	s.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	assert.Same(t, f, s.file, "same path keeps the open file")
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got := lines(t, data)
	require.Len(t, got, 1)
	assert.Equal(t, "two", got[0]["message"])
	assert.Equal(t, "app", got[0]["comp"])
	assert.Len(t, lines(t, stdout.Bytes()), 1)
	assert.Empty(t, stderr.String())
}

func TestService_NoSinkFallsBackToStderr(t *testing.T) {
	var stdout, stderr bytes.Buffer
	s := &Service{stdout: &stdout, stderr: &stderr}
	s.Apply(Config{Level: "info"})
	s.Logger().Info("still visible")
	assert.Contains(t, stderr.String(), "still visible")
	assert.Empty(t, stdout.String())
}

package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")

	log, err := New(Options{JSON: true, Level: "info", File: path})
	require.NoError(t, err)

	log.Infow("loaded sources from state", FieldCount, 3)
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"count":3`)
	assert.Contains(t, string(data), "loaded sources from state")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	level, err := parseLevel("")
	require.NoError(t, err)
	assert.Equal(t, "info", level.String())

	level, err = parseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, "warn", level.String())
}

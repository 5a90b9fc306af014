package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrag/types"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "medrag.yaml")
	cfg := `
embedding:
  provider: hash
  dimension: 256
index:
  provider: memory
chunk:
  size: 50
  overlap: 10
loader:
  pattern: "*.txt"
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestIngestCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	docs := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "psoriasis.txt"),
		[]byte("Psoriasis is a chronic skin condition characterized by red, scaly patches."), 0o644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"ingest", "--config", writeConfig(t, dir), "--root", docs})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var result types.IngestResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, 1, result.DocumentsLoaded)
	assert.Equal(t, 2, result.ChunksWritten)
}

func TestIngestCommand_InvalidChunking(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"ingest", "--config", writeConfig(t, dir), "--root", dir, "--chunk-size", "50", "--overlap", "50"})
	err := cmd.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestIngestCommand_MissingRoot(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"ingest", "--config", writeConfig(t, dir), "--root", filepath.Join(dir, "nope")})
	assert.ErrorIs(t, cmd.ExecuteContext(context.Background()), types.ErrNotFound)
}

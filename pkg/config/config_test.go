package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaultsFromPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tsdbcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: node-1
catalog:
  driver: bolt
  bolt_path: /var/lib/tsdbcore/catalog.db
compactor:
  l0_compaction_trigger: 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, "bolt", cfg.Catalog.Driver)
	assert.Equal(t, "/var/lib/tsdbcore/catalog.db", cfg.Catalog.BoltPath)
	assert.Equal(t, 8, cfg.Compactor.L0CompactionTrigger)
	// Fields absent from the file keep Default's values.
	assert.Equal(t, int64(512<<20), cfg.Lifecycle.PauseIngestSize)
	assert.Equal(t, "127.0.0.1:7070", cfg.BindAddr)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// Package config loads the YAML configuration shared by the
// cmd/tsdb-ingester, cmd/tsdb-compactor, and cmd/tsdb-querier
// entrypoints, following the teacher's own `warren apply`
// (`gopkg.in/yaml.v3.Unmarshal` over a file read with `os.ReadFile`)
// convention rather than a flag-only setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level process configuration. Every field has a
// zero-value-safe default applied by Load so a minimal file still
// produces a runnable config; Load returns an error when the file is
// missing.
type Config struct {
	NodeID   string   `yaml:"node_id"`
	DataDir  string   `yaml:"data_dir"`
	BindAddr string   `yaml:"bind_addr"`
	Shards   []uint32 `yaml:"shards"`

	Catalog Catalog `yaml:"catalog"`

	Lifecycle Lifecycle `yaml:"lifecycle"`
	Compactor Compactor `yaml:"compactor"`
	Querier   Querier   `yaml:"querier"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Catalog selects the catalog backend. Driver is "memory" (tests,
// single-process demos) or "bolt" (BoltPath-backed, production).
type Catalog struct {
	Driver   string `yaml:"driver"`
	BoltPath string `yaml:"bolt_path"`
}

// Lifecycle mirrors pkg/lifecycle.Config's fields: durations as YAML
// duration strings ("10m"), byte thresholds as plain integers.
type Lifecycle struct {
	PauseIngestSize        int64         `yaml:"pause_ingest_size"`
	PersistMemoryThreshold int64         `yaml:"persist_memory_threshold"`
	PartitionSizeThreshold int64         `yaml:"partition_size_threshold"`
	PartitionAgeThreshold  time.Duration `yaml:"partition_age_threshold"`
	PartitionColdThreshold time.Duration `yaml:"partition_cold_threshold"`
	EvaluationInterval     time.Duration `yaml:"evaluation_interval"`
}

// Compactor mirrors pkg/compact.Config's fields.
type Compactor struct {
	L0CompactionTrigger int           `yaml:"l0_compaction_trigger"`
	EvaluationInterval  time.Duration `yaml:"evaluation_interval"`
	MaxOutputFileRows   int           `yaml:"max_output_file_rows"`
}

// Querier configures how the reconciler reaches ingesters and whether it
// tolerates a stale/unreachable one.
type Querier struct {
	IngesterAddrs   map[uint32]string `yaml:"ingester_addrs"`
	AllowStaleReads bool              `yaml:"allow_stale_reads"`
}

// Default returns a config runnable as a single-process, in-memory demo.
func Default() Config {
	return Config{
		DataDir:  "./data",
		BindAddr: "127.0.0.1:7070",
		Shards:   []uint32{0},
		Catalog:  Catalog{Driver: "memory"},
		Lifecycle: Lifecycle{
			PauseIngestSize:        512 << 20,
			PersistMemoryThreshold: 384 << 20,
			PartitionSizeThreshold: 64 << 20,
			PartitionAgeThreshold:  10 * time.Minute,
			PartitionColdThreshold: 2 * time.Minute,
			EvaluationInterval:     time.Second,
		},
		Compactor: Compactor{
			L0CompactionTrigger: 4,
			EvaluationInterval:  30 * time.Second,
		},
		Querier:  Querier{AllowStaleReads: false},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file, applying Default's values as
// a base so a partial file only overrides what it sets.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Command tsdb-compactor runs the compactor's periodic planner (§4.3):
// it scans the catalog for partitions with enough L0 files, merges and
// dedups them into L1 files, and commits the result in one catalog
// transaction.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/compact"
	"github.com/cuemby/tsdbcore/pkg/config"
	"github.com/cuemby/tsdbcore/pkg/log"
	"github.com/cuemby/tsdbcore/pkg/metrics"
	"github.com/cuemby/tsdbcore/pkg/objectstore"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tsdb-compactor",
	Short: "tsdb-compactor merges L0 files into L1 files on a schedule",
	RunE:  runCompactor,
}

func init() {
	rootCmd.Flags().String("config", "", "path to a YAML config file (optional)")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9092", "address to serve /metrics on")
}

func runCompactor(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	metrics.RegisterComponent("catalog", false, "opening")
	metrics.RegisterComponent("objectstore", false, "opening")
	store, objects, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	defer objects.Close()
	metrics.RegisterComponent("catalog", true, "ready")
	metrics.RegisterComponent("objectstore", true, "ready")

	shards := append([]uint32(nil), cfg.Shards...)
	planner := compact.NewPlanner(toCompactConfig(cfg.Compactor), store, objects, func() []uint32 { return shards })
	planner.Run(cfg.Compactor.EvaluationInterval)
	defer planner.Stop()

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.WithComponent("compact").Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.WithComponent("compact").Info().Ints("shards", uint32sToInts(shards)).Msg("compactor running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.WithComponent("compact").Info().Msg("shutting down")
	return nil
}

func uint32sToInts(in []uint32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

func openStores(cfg config.Config) (catalog.Store, objectstore.Store, error) {
	switch cfg.Catalog.Driver {
	case "", "memory":
		return catalog.NewMemStore(), objectstore.NewMemStore(), nil
	case "bolt":
		store, err := catalog.NewBoltStore(cfg.Catalog.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("tsdb-compactor: open catalog: %w", err)
		}
		objects, err := objectstore.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("tsdb-compactor: open object store: %w", err)
		}
		return store, objects, nil
	default:
		return nil, nil, fmt.Errorf("tsdb-compactor: unknown catalog driver %q", cfg.Catalog.Driver)
	}
}

func toCompactConfig(c config.Compactor) compact.Config {
	return compact.Config{
		L0CompactionTrigger: c.L0CompactionTrigger,
		EvaluationInterval:  c.EvaluationInterval,
		MaxOutputFileRows:   c.MaxOutputFileRows,
	}
}

// Command tsdb-ingester runs one ingester process (§4.1): it consumes
// ordered DML records from its shards' WAL cursors, buffers them in
// memory, persists under the lifecycle manager's direction (§4.2), and
// serves the querier-facing QueryServer RPC (§4.4, pkg/ingestrpc) over
// gRPC.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/config"
	"github.com/cuemby/tsdbcore/pkg/ingest"
	"github.com/cuemby/tsdbcore/pkg/ingestrpc"
	"github.com/cuemby/tsdbcore/pkg/lifecycle"
	"github.com/cuemby/tsdbcore/pkg/log"
	"github.com/cuemby/tsdbcore/pkg/metrics"
	"github.com/cuemby/tsdbcore/pkg/objectstore"
	"github.com/cuemby/tsdbcore/pkg/wal"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tsdb-ingester",
	Short: "tsdb-ingester buffers DML writes and serves the ingester query RPC",
	RunE:  runIngester,
}

func init() {
	rootCmd.Flags().String("config", "", "path to a YAML config file (optional)")
	rootCmd.Flags().String("grpc-addr", "127.0.0.1:7071", "address to serve the ingester query RPC on")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "address to serve /metrics on")
}

func runIngester(cmd *cobra.Command, args []string) error {
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

	holder := &bufferHolder{}
	mgr := lifecycle.NewManager(toLifecycleConfig(cfg.Lifecycle), holder)
	buf := ingest.NewBuffer(store, objects, mgr)
	holder.buf = buf

	mgr.Run(cfg.Lifecycle.EvaluationInterval)
	defer mgr.Stop()

	collector := metrics.NewCollector(buf)
	collector.Start()
	defer collector.Stop()

	walLog := wal.NewMemLog()
	defer walLog.Close()
	consumer := ingest.NewConsumer(buf, store, walLog, mgr.CanResumeIngest)
	if err := consumer.Start(cfg.Shards); err != nil {
		return fmt.Errorf("tsdb-ingester: start wal consumer: %w", err)
	}
	defer consumer.Stop()

	grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("tsdb-ingester: listen %s: %w", grpcAddr, err)
	}
	grpcServer := grpc.NewServer()
	ingestrpc.RegisterQueryServer(grpcServer, ingestrpc.NewInProcessClient(buf))
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.WithComponent("ingester").Error().Err(err).Msg("grpc server stopped")
		}
	}()
	log.WithComponent("ingester").Info().Str("addr", grpcAddr).Msg("query RPC listening")

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.WithComponent("ingester").Error().Err(err).Msg("metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.WithComponent("ingester").Info().Msg("shutting down")
	grpcServer.GracefulStop()
	return nil
}

func openStores(cfg config.Config) (catalog.Store, objectstore.Store, error) {
	switch cfg.Catalog.Driver {
	case "", "memory":
		return catalog.NewMemStore(), objectstore.NewMemStore(), nil
	case "bolt":
		store, err := catalog.NewBoltStore(cfg.Catalog.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("tsdb-ingester: open catalog: %w", err)
		}
		objects, err := objectstore.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("tsdb-ingester: open object store: %w", err)
		}
		return store, objects, nil
	default:
		return nil, nil, fmt.Errorf("tsdb-ingester: unknown catalog driver %q", cfg.Catalog.Driver)
	}
}

func toLifecycleConfig(c config.Lifecycle) lifecycle.Config {
	return lifecycle.Config{
		PauseIngestSize:        c.PauseIngestSize,
		PersistMemoryThreshold: c.PersistMemoryThreshold,
		PartitionSizeThreshold: c.PartitionSizeThreshold,
		PartitionAgeThreshold:  c.PartitionAgeThreshold,
		PartitionColdThreshold: c.PartitionColdThreshold,
		EvaluationInterval:     c.EvaluationInterval,
	}
}

// bufferHolder breaks the construction cycle between *lifecycle.Manager
// (needs a Persister at construction) and *ingest.Buffer (needs a
// LifecycleHandle at construction, satisfied by *lifecycle.Manager): the
// manager is built first against this holder, the buffer is built
// second, then the holder is pointed at it. Nothing else in the process
// calls the manager before this function returns, so there is no window
// where holder.buf is read uninitialized.
type bufferHolder struct {
	buf *ingest.Buffer
}

func (h *bufferHolder) Persist(shardID uint32, tableID, partitionKey string) (uint64, bool, error) {
	return h.buf.Persist(shardID, tableID, partitionKey)
}

func (h *bufferHolder) SyncShardWatermark(shardID uint32, fallback uint64) error {
	return h.buf.SyncShardWatermark(shardID, fallback)
}

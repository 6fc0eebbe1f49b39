package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/edgeflow-io/edgeflow/internal/ingest"
	"github.com/edgeflow-io/edgeflow/pkg/config"
	"github.com/edgeflow-io/edgeflow/pkg/connector/core"
	"github.com/edgeflow-io/edgeflow/pkg/connector/manager"
	"github.com/edgeflow-io/edgeflow/pkg/connector/registry"
	"github.com/edgeflow-io/edgeflow/pkg/logger"

	// Import all available connectors to register them
	_ "github.com/edgeflow-io/edgeflow/pkg/connector/opcua"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	viper.SetEnvPrefix("EDGEFLOW")
	viper.AutomaticEnv()

	root := &cobra.Command{
		Use:   "edgeflow",
		Short: "EdgeFlow - industrial protocol connector runtime",
		Long: `EdgeFlow connects to industrial data sources (OPC UA and friends),
normalizes their values into a canonical data point model and streams them
downstream as newline-delimited JSON.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("EdgeFlow v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available connector types",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available connector types:")
			for _, t := range registry.Types() {
				fmt.Printf("  - %s\n", t)
			}
		},
	})

	var configFile, output, metricsAddr string
	var gracePeriod time.Duration

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured connectors",
		Long: `Run every connector declared in the configuration file and stream their
data points to the output as newline-delimited JSON.

Example:
  edgeflow run --config connectors.yaml --output points.ndjson`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, output, metricsAddr, gracePeriod)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to connector configuration YAML file (required)")
	_ = runCmd.MarkFlagRequired("config")
	runCmd.Flags().StringVarP(&output, "output", "o", "-", "Output file for NDJSON data points, - for stdout")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for Prometheus metrics (e.g. :9090), empty to disable")
	runCmd.Flags().DurationVar(&gracePeriod, "grace-period", 10*time.Second, "Shutdown grace period for connector teardown")
	_ = viper.BindPFlag("config", runCmd.Flags().Lookup("config"))
	_ = viper.BindPFlag("output", runCmd.Flags().Lookup("output"))
	_ = viper.BindPFlag("metrics-addr", runCmd.Flags().Lookup("metrics-addr"))
	root.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if path == "" {
				path = viper.GetString("config")
			}
			file, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Printf("configuration OK: %d connector(s)\n", len(file.Connectors))
			for _, c := range file.Connectors {
				fmt.Printf("  - %s (%s) %s\n", c.Name, c.Type, c.Endpoint.URL)
			}
			return nil
		},
	}
	statusCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to connector configuration YAML file (required)")
	_ = statusCmd.MarkFlagRequired("config")
	root.AddCommand(statusCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile, output, metricsAddr string, gracePeriod time.Duration) error {
	file, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	log := logger.Get().Named("edgeflow")
	log.Info("starting",
		zap.String("config", configFile),
		zap.Int("connectors", len(file.Connectors)),
		zap.String("version", version))

	out, closeOut, err := openOutput(output)
	if err != nil {
		return err
	}
	defer closeOut()

	sink := ingest.NewSink(out)
	m, err := manager.New(file.Connectors, sink.In())
	if err != nil {
		return fmt.Errorf("failed to build connectors: %w", err)
	}

	if metricsAddr != "" {
		go serveMetrics(log, metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinkCtx, stopSink := context.WithCancel(context.Background())
	go func() {
		if err := sink.Run(sinkCtx); err != nil {
			log.Error("sink terminated with error", zap.Error(err))
		}
	}()

	if err := m.StartAll(ctx); err != nil {
		// Partial starts keep running; a fully failed set is fatal.
		log.Warn("not all connectors started", zap.Error(err))
		if !anyConnected(m) {
			stopSink()
			<-sink.Done()
			return fmt.Errorf("no connector could start: %w", err)
		}
	}
	logStatuses(log, m)

	<-ctx.Done()
	log.Info("shutdown requested", zap.Duration("grace_period", gracePeriod))

	stopCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	m.StopAll(stopCtx)

	stopSink()
	select {
	case <-sink.Done():
	case <-stopCtx.Done():
		log.Warn("sink did not drain within grace period")
	}

	log.Info("shutdown complete")
	return logger.Sync()
}

func openOutput(path string) (*os.File, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open output file %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

func serveMetrics(log *zap.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server failed", zap.Error(err))
	}
}

func anyConnected(m *manager.Manager) bool {
	for _, info := range m.Statuses() {
		if info.Status == core.StatusConnected {
			return true
		}
	}
	return false
}

func logStatuses(log *zap.Logger, m *manager.Manager) {
	statuses := m.Statuses()
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		info := statuses[name]
		log.Info("connector status",
			zap.String("connector", name),
			zap.String("status", string(info.Status)),
			zap.Int("active_subscriptions", info.ActiveSubscriptions))
	}
}

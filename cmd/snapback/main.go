// Spins up the snapback server: a page snapshot cache served over the Redis protocol.

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nobletooth/snapback/pkg/config"
	"github.com/nobletooth/snapback/pkg/port"
	"github.com/nobletooth/snapback/pkg/storage"
	"github.com/nobletooth/snapback/pkg/utils"
)

var (
	printVersion   = flag.Bool("print_version", false, "Print the version and exit.")
	metricsAddress = flag.String("metrics_address", ":9090",
		"The ip:port to serve prometheus metrics on; empty disables the metrics endpoint.")
	watchConfig = flag.Bool("watch_config", false,
		"Re-apply the config file whenever it changes. New values apply to namespaces created afterwards.")
)

// runMetricsServer serves the prometheus registry on --metrics_address until ctx is cancelled.
func runMetricsServer(ctx context.Context) {
	if *metricsAddress == "" {
		slog.Info("Metrics endpoint disabled.")
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: *metricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("Serving metrics.", "address", *metricsAddress)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server stopped.", "error", err)
	}
}

// reloadConfig applies a changed config file to the flags and re-initializes the flag dependent globals.
// Flags are written while the port is idle, since its handlers read them.
func reloadConfig(snapshots *port.SnapshotStorage, conf *config.Config) {
	var err error
	snapshots.Exclusive(func() { err = config.ApplyFlags(conf) })
	if err != nil {
		slog.Error("Failed to apply reloaded config.", "error", err)
		return
	}
	utils.InitLogging()
}

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Snapback build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() { // Listen for OS interrupts in the background.
		sig := <-signals
		slog.Info("Received termination signal, cancelling server context.", "signal", sig)
		cancel()
	}()

	go runMetricsServer(ctx)

	backend := storage.NewShardedFromFlags()
	snapshots, err := port.NewSnapshotStorage(backend)
	if err != nil {
		slog.Error("Failed to initialize snapshot storage.", "error", err)
		os.Exit(1)
	}

	if path := config.FilePath(); *watchConfig && path != "" {
		go func() {
			onChange := func(conf *config.Config) { reloadConfig(snapshots, conf) }
			if err := config.Watch(ctx, path, onChange); err != nil {
				slog.Error("Config watcher stopped.", "path", path, "error", err)
			}
		}()
	}
	if err := port.RunRedisServer(ctx, snapshots); err != nil {
		slog.Error("Snapback server stopped.", "error", err, "uptime", utils.Uptime())
		os.Exit(1)
	}
	slog.Info("Snapback server shut down.", "uptime", utils.Uptime())
}

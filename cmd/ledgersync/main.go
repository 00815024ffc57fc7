// Command ledgersync runs the incremental ledger ingestion pipeline: it
// pulls event pages from the remote feed into the raw warehouse table,
// normalizes them into the parsed table, and reports durable progress.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/veritaslabs/ledgersync/internal/archive"
	"github.com/veritaslabs/ledgersync/internal/config"
	"github.com/veritaslabs/ledgersync/internal/cursor"
	"github.com/veritaslabs/ledgersync/internal/logging"
	"github.com/veritaslabs/ledgersync/internal/metrics"
	"github.com/veritaslabs/ledgersync/internal/pipeline"
	"github.com/veritaslabs/ledgersync/internal/warehouse"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", "run", "run | transform | status")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgersync: %v\n", err)
		os.Exit(2)
	}

	logging.Setup(logging.Config{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})

	if cfg.Metrics.Enabled {
		metrics.Init("")
		go func() {
			slog.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mode); err != nil {
		slog.Error("ledgersync failed", "mode", *mode, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, mode string) error {
	store, err := warehouse.NewStore(ctx, warehouse.Config{
		Backend: cfg.Warehouse.Backend,
		DSN:     cfg.Warehouse.DSN,
	})
	if err != nil {
		return fmt.Errorf("open warehouse: %w", err)
	}
	defer store.Close()

	cursors, err := cursor.NewStore(ctx, cursor.Config{
		Backend: cfg.Cursor.Backend,
		DSN:     cfg.Cursor.DSN,
		Dir:     cfg.Cursor.Dir,
	})
	if err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}
	defer cursors.Close()

	arch, err := archive.NewWriter(ctx, archive.Config{
		Enabled:  cfg.Archive.Enabled,
		Backend:  cfg.Archive.Backend,
		Bucket:   cfg.Archive.Bucket,
		LocalDir: cfg.Archive.LocalDir,
		Prefix:   cfg.Archive.Prefix,
		Format:   cfg.Archive.Format,
	})
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer arch.Close()

	pl := pipeline.New(cfg, store, cursors, arch, pipeline.HTTPClientFactory(cfg))

	switch mode {
	case "run":
		stats, err := pl.Run(ctx)
		printJSON(stats)
		if err != nil {
			return err
		}
		if !stats.Success {
			return errors.New("run completed with errors")
		}
	case "transform":
		stats, err := pl.TransformOnly(ctx)
		printJSON(stats)
		if err != nil {
			return err
		}
		if !stats.Success {
			return errors.New("transformation completed with errors")
		}
	case "status":
		status, err := pl.Status(ctx)
		if err != nil {
			return err
		}
		printJSON(status)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	return nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("marshal output", "error", err)
		return
	}
	fmt.Println(string(out))
}

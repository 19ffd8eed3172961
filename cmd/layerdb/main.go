package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"layerdb/internal/http"
	"layerdb/internal/maintenance"
	"layerdb/pkg/engine"
	"layerdb/pkg/metrics"
	"layerdb/pkg/types"
)

func main() {
	configPath := flag.String("config", "layerdb.yaml", "path to the YAML config")
	modeFlag := flag.String("mode", "resume", "open mode: new or resume")
	flag.Parse()

	if err := run(*configPath, *modeFlag); err != nil {
		fmt.Fprintf(os.Stderr, "layerdb: %v\n", err)
		os.Exit(1)
	}
}

func parseMode(s string) (types.InitMode, error) {
	switch s {
	case "new":
		return types.NewRegion, nil
	case "resume":
		return types.Resume, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want new or resume)", s)
	}
}

func run(configPath, modeFlag string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mode, err := parseMode(modeFlag)
	if err != nil {
		return err
	}
	cfg, err := initConfig(configPath)
	if err != nil {
		return err
	}
	logger := initLogger(&cfg)

	reg := metrics.NewRegistry()
	db, err := engine.Open(cfg, mode, engine.WithLogger(logger), engine.WithMetrics(reg))
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("engine close failed", "error", err)
		}
	}()

	if cfg.Maintenance.Enabled {
		sched := maintenance.New(db, cfg.Maintenance.FlushThresholdBytes, cfg.Maintenance.Interval, logger)
		sched.Start(ctx)
		defer sched.Stop()
	}

	if cfg.HTTP.Enabled {
		server := http.NewServer(db, reg, strconv.Itoa(cfg.HTTP.Port)).
			WithReadHeaderTimeout(cfg.HTTP.ReadHeaderTimeout)
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Error("error stopping server", "error", err)
			}
		}()
	}

	logger.Info("layerdb running", "dir", cfg.Storage.Dir, "mode", mode)
	<-ctx.Done()
	logger.Info("layerdb stopping")
	return nil
}

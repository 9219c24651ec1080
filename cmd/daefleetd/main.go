package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/daefleet/daefleet/internal/buildinfo"
	"github.com/daefleet/daefleet/internal/config"
	"github.com/daefleet/daefleet/internal/daemon"
	"github.com/daefleet/daefleet/internal/eventstore"
)

func main() {
	var showVersion bool
	var configPath string
	var dataDir string
	var metricsListen string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.StringVar(&dataDir, "data-dir", "", "override data directory")
	flag.StringVar(&metricsListen, "metrics", "", "override metrics listen address (localhost only)")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	if err := run(configPath, dataDir, metricsListen); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, dataDir, metricsListen string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
		cfg.EventStoreDir = filepath.Join(dataDir, "events")
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.Default()
	store, err := eventstore.Open(cfg.EventStoreDir, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	d := daemon.New(cfg, store, daemon.Options{Logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.RunParityCheck(ctx)
	d.Start()
	defer d.Stop()

	logger.Printf("daefleetd: started (data=%s)", cfg.EventStoreDir)
	if err := d.ServeMetrics(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Printf("daefleetd: shutting down")
	return nil
}

// loadConfig prefers an explicit config file; the default path may be
// absent, in which case built-in defaults apply.
func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.Load("")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.DefaultConfig(), nil
		}
		return config.Config{}, err
	}
	return cfg, nil
}

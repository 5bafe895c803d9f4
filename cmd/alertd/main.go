package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"alertd/internal/config"
	"alertd/internal/database"
	"alertd/internal/metrics"
	"alertd/internal/monitoring"
	"alertd/internal/web"
)

func main() {
	configFile := flag.String("config", "/etc/alertd/alertd.yaml", "Configuration file path")
	version := flag.Bool("version", false, "Show version information")
	debug := flag.Bool("debug", false, "Enable debug logging")
	initDB := flag.Bool("initdb", false, "Create the database schema and exit")
	dropDB := flag.Bool("dropdb", false, "Drop the database tables and exit")
	flag.Parse()

	if *version {
		fmt.Printf("alertd %s\nCommit: %s\nBuilt: %s\n", web.Version, web.GitCommit, web.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	config.SetupLogging(cfg.Logging, *debug)

	logrus.WithFields(logrus.Fields{
		"config_file": *configFile,
		"database":    cfg.Database.Type,
		"socket":      cfg.Sockets.Events,
	}).Info("Starting alertd")

	store, err := database.Open(cfg.Database.Type, cfg.Database.Path)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	if *initDB || *dropDB {
		os.Exit(manageSchema(store, *initDB, *dropDB))
	}

	metricsCollector := metrics.NewCollector(store)
	engine := monitoring.NewEngine(cfg, store, metricsCollector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := config.NewWatcher(cfg, config.DefaultDebounce)
	if err != nil {
		logrus.WithError(err).Warn("Configuration hot reload disabled")
	} else {
		defer watcher.Close()
		go watcher.Run(ctx, engine.Reload)
	}

	var webServer *web.Server
	if cfg.HTTP.Enabled {
		webServer = web.NewServer(cfg, store, engine, metricsCollector)
		if err := webServer.Start(ctx); err != nil {
			logrus.WithError(err).Error("Failed to start status server")
		}
	}

	go handleSignals(ctx, engine)

	if err := engine.Run(ctx); err != nil {
		logrus.WithError(err).Error("Engine stopped with error")
	}

	if webServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := webServer.Stop(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Status server shutdown failed")
		}
		shutdownCancel()
	}
	logrus.Info("Shutdown complete")
}

// handleSignals turns SIGHUP into a reload and SIGINT or SIGTERM into a quit.
func handleSignals(ctx context.Context, engine *monitoring.Engine) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			logrus.WithField("signal", sig).Info("Received signal")
			if sig == syscall.SIGHUP {
				engine.Reload()
				continue
			}
			engine.Quit()
		}
	}
}

func manageSchema(store database.Store, create, drop bool) int {
	ctx := context.Background()

	if drop {
		if err := store.Drop(ctx); err != nil {
			logrus.WithError(err).Error("Failed to drop database")
			return 1
		}
		logrus.Info("Database tables dropped")
	}
	if create {
		if err := store.Create(ctx); err != nil {
			logrus.WithError(err).Error("Failed to create database")
			return 1
		}
		logrus.Info("Database schema created")
	}
	return 0
}

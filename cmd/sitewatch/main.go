// cmd/sitewatch/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
	"sitewatch/internal/config"
	"sitewatch/internal/database"
	"sitewatch/internal/metrics"
	"sitewatch/internal/monitoring"
	"sitewatch/internal/web"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file path")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		info := web.GetBuildInfo()
		fmt.Printf("sitewatch %s\nCommit: %s\nBuilt: %s\nGo: %s\n", info.Version, info.GitCommit, info.BuildTime, info.GoVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger, closeLog := setupLogging(cfg.Logging)
	defer closeLog()

	if err := run(cfg, *configFile, logger); err != nil {
		logger.WithError(err).Error("Exited with error")
		closeLog()
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(cfg *config.Config, configFile string, logger *logrus.Logger) (err error) {
	logger.WithFields(logrus.Fields{
		"config_file": configFile,
		"port":        cfg.Server.Port,
		"database":    cfg.Database.Type,
		"sites":       len(cfg.Sites),
	}).Info("Starting sitewatch")

	store, err := database.Open(cfg.Database.Type, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	collector := metrics.NewCollector(store)
	engine := monitoring.NewEngine(cfg, store, collector, monitoring.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start monitoring engine: %w", err)
	}

	server := web.NewServer(cfg, engine, collector, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Stopping monitoring engine")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Monitoring.ShutdownTimeout)
		defer cancel()
		return engine.Stop(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// setupLogging builds the process logger. With logging.file set, output is
// teed to a rotating file.
func setupLogging(cfg config.LoggingConfig) (*logrus.Logger, func()) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	closeFn := func() {}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, rotator))
		closeFn = func() { rotator.Close() }
	}

	// The standard logger backs packages that are not handed one explicitly.
	logrus.SetLevel(level)
	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)

	return logger, closeFn
}

// Package main implements the Corral coordinator daemon: it owns the
// cluster's server list, accepts enlistments and crash reports over
// HTTP, and pushes membership updates to every storage server.
//
// Configuration comes from a YAML file (--config), with environment
// variable fallbacks for the common settings:
//   - COORDINATOR_ADDR: listen address (default ":8080")
//   - COORDINATOR_LOG:  operation log path (default in-memory)
//
// Example usage:
//
//	# Start with a durable operation log
//	coordinator --config coordinator.yaml
//
//	# Enlist a server by hand
//	curl -X POST localhost:8080/enlist \
//	  -d '{"service_locator":"http://localhost:8081","services":12,"read_speed":300}'
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/dreamware/corral/internal/coordinator"
	"github.com/dreamware/corral/internal/oplog"
)

// config is the coordinator's YAML configuration. Zero values defer to
// environment variables and then to defaults.
type config struct {
	Listen               string `yaml:"listen"`
	ClusterID            string `yaml:"cluster_id"`
	LogPath              string `yaml:"log_path"`
	ReplicationGroupSize int    `yaml:"replication_group_size"`
	MaxUpdatesPerRPC     uint64 `yaml:"max_updates_per_rpc"`
	MaxRPCBytes          int    `yaml:"max_rpc_bytes"`
	LogLevel             string `yaml:"log_level"`
}

func loadConfig(path string) (*config, error) {
	var cfg config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.Listen == "" {
		cfg.Listen = getenv("COORDINATOR_ADDR", ":8080")
	}
	if cfg.LogPath == "" {
		cfg.LogPath = os.Getenv("COORDINATOR_LOG")
	}
	return &cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "coordinator",
		Short:        "Corral cluster coordinator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to YAML config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config) error {
	logger := logrus.New()
	if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		logger.SetLevel(level)
	}

	var log oplog.Log
	var fileLog *oplog.FileLog
	if cfg.LogPath != "" {
		var err error
		fileLog, err = oplog.OpenFileLog(cfg.LogPath)
		if err != nil {
			return err
		}
		log = fileLog
	} else {
		logger.Warn("no log_path configured, coordinator state will not survive restarts")
		log = oplog.NewMemoryLog()
	}

	sender := &coordinator.HTTPSender{}
	registry := coordinator.NewServerRegistry(log, sender,
		coordinator.Config{
			MaxUpdatesPerRPC:     cfg.MaxUpdatesPerRPC,
			MaxRPCBytes:          cfg.MaxRPCBytes,
			ReplicationGroupSize: cfg.ReplicationGroupSize,
			ClusterID:            cfg.ClusterID,
			Logger:               logger,
		})
	if err := registry.Recover(); err != nil {
		return fmt.Errorf("recover server list: %w", err)
	}
	// Recovery binds the identity to the operation log (adopting the
	// log's, or stamping a fresh header); pushes carry the bound one.
	sender.ClusterID = registry.ClusterID()
	registry.StartUpdater()

	srv := newServer(registry, logger)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Listen).Info("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	registry.HaltUpdater()
	if fileLog != nil {
		_ = fileLog.Close()
	}
	logger.Info("coordinator stopped")
	return nil
}

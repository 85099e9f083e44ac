package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/iTrooz/shellcache-proxy/internal/config"
	"github.com/iTrooz/shellcache-proxy/internal/proxy"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	setupLogging(cfg)
	logrus.Debugf("Effective configuration:\n%s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := proxy.New(cfg)
	if err != nil {
		logrus.Fatalf("Failed to create proxy server: %v", err)
	}

	if cfg.Watch {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config) {
				setupLogging(next)
				if err := server.Reload(ctx, next); err != nil {
					logrus.Errorf("Reload failed, keeping the current worker: %v", err)
				}
			})
			if err != nil {
				logrus.Errorf("Config watcher stopped: %v", err)
			}
		}()
	}

	if err := server.Start(ctx); err != nil {
		logrus.Fatalf("Server failed: %v", err)
	}
}

// loadConfig loads and validates the configuration file
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := cfg.LogLevel()
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

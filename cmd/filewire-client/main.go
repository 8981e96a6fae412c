// Command filewire-client sends files through the transfer pipeline.
// Positional arguments name individual files to send; with none, every
// regular file in the configured input directory is transferred.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/opd-ai/filewire/client"
	"github.com/opd-ai/filewire/config"
	"github.com/opd-ai/filewire/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the client YAML configuration")
	serverAddr := flag.String("server", "", "override the receiver address")
	inputDir := flag.String("input-dir", "", "override the input directory")
	logLevel := flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithField("level", *logLevel).Fatal("Unknown log level")
	}
	logrus.SetLevel(level)

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *serverAddr != "" {
		cfg.ServerAddr = *serverAddr
	}
	if *inputDir != "" {
		cfg.InputDir = *inputDir
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Setup(ctx, "filewire-client", cfg.Telemetry)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to configure telemetry")
	}
	defer provider.Shutdown(context.Background())

	c, err := client.New(cfg, provider)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build client")
	}
	defer c.Close()

	failed := false
	if files := flag.Args(); len(files) > 0 {
		for _, path := range files {
			if _, err := c.SendFile(ctx, path); err != nil {
				logrus.WithError(err).WithField("file", path).Error("Transfer failed")
				failed = true
			}
		}
	} else {
		if cfg.InputDir == "" {
			logrus.Fatal("No files given and no input directory configured")
		}
		if err := c.SendDir(ctx, cfg.InputDir); err != nil {
			logrus.WithError(err).Error("Directory transfer had failures")
			failed = true
		}
	}

	if failed {
		os.Exit(1)
	}
}

// Command filewire-server runs the receiving endpoint: the TCP transfer
// listener plus the admin HTTP surface for metrics and session
// introspection.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/opd-ai/filewire/config"
	"github.com/opd-ai/filewire/server"
	"github.com/opd-ai/filewire/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the server YAML configuration")
	listenAddr := flag.String("listen", "", "override the transfer listen address")
	adminAddr := flag.String("admin", "", "override the admin HTTP address")
	outputDir := flag.String("output-dir", "", "override the output directory")
	logLevel := flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithField("level", *logLevel).Fatal("Unknown log level")
	}
	logrus.SetLevel(level)

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Setup(ctx, "filewire-server", cfg.Telemetry)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to configure telemetry")
	}
	defer provider.Shutdown(context.Background())

	srv, err := server.New(cfg, provider)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build server")
	}
	defer srv.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Serve(ctx) }()
	if cfg.AdminAddr != "" {
		admin := server.NewAdmin(cfg.AdminAddr, srv)
		go func() { errCh <- admin.Serve(ctx) }()
	}

	select {
	case <-ctx.Done():
		logrus.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			logrus.WithError(err).Error("Server exited")
			os.Exit(1)
		}
	}
}

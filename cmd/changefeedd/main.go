// Command changefeedd follows one change feed and fans it out to websocket
// clients and, optionally, libp2p peers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	"github.com/sjwalker189/mongodb-tools/pkg/config"
	"github.com/sjwalker189/mongodb-tools/pkg/gateway"
	"github.com/sjwalker189/mongodb-tools/pkg/logging"
	"github.com/sjwalker189/mongodb-tools/pkg/metrics"
	"github.com/sjwalker189/mongodb-tools/pkg/pubsub"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.OutputFile,
		Colors: cfg.Logging.Format != "json" && cfg.Logging.OutputFile == "",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.ComponentError(logging.ComponentGeneral, "changefeedd failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.ColoredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Feed.OpenTimeout)
	src, err := openSource(connectCtx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to open %s source: %w", cfg.Feed.Source, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := src.close(closeCtx); err != nil {
			logger.ComponentWarn(logging.ComponentGeneral, "failed to close source", zap.Error(err))
		}
	}()

	manager, err := changefeed.NewManager(src.opener, changefeed.Config{
		Name:         cfg.Feed.Name,
		RetryDelay:   cfg.Feed.RetryDelay,
		OpenTimeout:  cfg.Feed.OpenTimeout,
		CloseTimeout: cfg.Feed.CloseTimeout,
		ResumeToken:  src.token,
	},
		changefeed.WithLogger(logger.For(logging.ComponentFeed)),
		changefeed.WithMetrics(metrics.NewPrometheus(reg, "", cfg.Feed.Name)),
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		manager.Close(closeCtx)
	}()

	if cfg.Relay.Enabled {
		relay, err := pubsub.NewRelay(ctx, cfg.Relay, logger.For(logging.ComponentRelay))
		if err != nil {
			return err
		}
		defer relay.Close()
		id := manager.AddListener(relay.Forward)
		defer manager.RemoveListener(id)
	}

	if !cfg.Gateway.Enabled {
		logger.ComponentInfo(logging.ComponentGeneral, "Gateway disabled, relaying only")
		<-ctx.Done()
		return nil
	}

	gw, err := gateway.New(manager, cfg.Gateway,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics.NewGateway(reg, "")),
		gateway.WithGatherer(reg),
	)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- gw.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.ComponentInfo(logging.ComponentGeneral, "Shutting down changefeedd...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.ComponentWarn(logging.ComponentGateway, "gateway shutdown error", zap.Error(err))
	}
	logger.ComponentInfo(logging.ComponentGeneral, "Shutdown complete")
	return nil
}

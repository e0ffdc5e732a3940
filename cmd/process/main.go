// Command process drains pending batches of an initialised workspace,
// stopping when the daily quota or the batch limit is reached.
//
// Usage:
//
//	go run ./cmd/process -dir ./work
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	kafkaadapter "github.com/couchcryptid/cams-data-etl/internal/adapter/kafka"
	"github.com/couchcryptid/cams-data-etl/internal/adapter/soda"
	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/observability"
	"github.com/couchcryptid/cams-data-etl/internal/pipeline"
	"github.com/couchcryptid/cams-data-etl/internal/store"
)

func main() {
	dir := flag.String("dir", ".", "workspace directory created by setup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := run(ctx, *dir, cfg, logger, metrics)

	if err := observability.WriteTextfile(cfg.MetricsFile); err != nil {
		logger.Error("write metrics failed", "path", cfg.MetricsFile, "error", err)
	}
	stop()
	os.Exit(code)
}

func run(ctx context.Context, dir string, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) int {
	ws := store.NewWorkspace(dir)
	runCfg, err := config.LoadRun(ws.ConfigPath())
	if err != nil {
		logger.Error("failed to load run config", "error", err)
		return 1
	}

	ledger, err := store.OpenLedger(ctx, ws.LedgerPath())
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		return 1
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Error("ledger close error", "error", err)
		}
	}()

	client, err := soda.NewClient(cfg.CAMSServer, cfg.CAMSTimeout, logger, metrics)
	if err != nil {
		logger.Error("failed to create service client", "error", err)
		return 1
	}

	// Publishing is optional; without brokers batches complete silently.
	var publisher pipeline.EventPublisher
	if cfg.KafkaEnabled() {
		writer := kafkaadapter.NewWriter(cfg, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		publisher = writer
		logger.Info("batch events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	p := pipeline.NewProcessor(ws, ledger, runCfg, client, publisher, logger, metrics, pipeline.Options{
		DailyQuota: cfg.DailyQuota,
		MaxBatches: cfg.MaxBatches,
	})

	sum, err := p.Run(ctx)
	logger.Info("run summary",
		"completed", sum.Completed,
		"failed", sum.Failed,
		"pending", sum.Pending,
		"rows", sum.Rows,
		"stop_reason", sum.StopReason,
	)
	if err != nil {
		logger.Error("processing stopped", "error", err)
		return 1
	}
	if sum.Failed > 0 {
		return 1
	}
	return 0
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/observability"
	"github.com/couchcryptid/cams-data-etl/internal/store"
)

// EventPublisher announces completed batches.
type EventPublisher interface {
	PublishBatchCompleted(ctx context.Context, event domain.BatchCompleted) error
}

// Options limit how much work one run does.
type Options struct {
	DailyQuota int // requests per UTC day; 0 disables local accounting
	MaxBatches int // 0 means no limit
}

// Stop reasons reported in Summary.
const (
	StopDrained    = "no pending batches"
	StopQuota      = "daily quota reached"
	StopMaxBatches = "max batches reached"
	StopRemote     = "service quota exceeded"
)

// Summary describes the outcome of one processing run.
type Summary struct {
	Reconciled int
	Attempted  int
	Completed  int
	Failed     int
	Pending    int
	Rows       int
	StopReason string
}

// Processor drains pending batches one at a time. The ledger decides which
// batches are pending; batch files follow it.
type Processor struct {
	ws        *store.Workspace
	ledger    *store.Ledger
	cfg       *config.RunConfig
	fetcher   *Fetcher
	publisher EventPublisher
	logger    *slog.Logger
	metrics   *observability.Metrics
	opts      Options
}

// NewProcessor creates a Processor. publisher may be nil.
func NewProcessor(ws *store.Workspace, ledger *store.Ledger, cfg *config.RunConfig, service domain.IrradianceService,
	publisher EventPublisher, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Processor {
	return &Processor{
		ws:        ws,
		ledger:    ledger,
		cfg:       cfg,
		fetcher:   NewFetcher(service, ledger, cfg, logger),
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		opts:      opts,
	}
}

// Run processes pending batches in id order until none are left, the daily
// budget is used, or the service reports its quota exceeded. Per-batch
// service and validation failures are recorded and skipped. The returned
// error is non-nil only when the run could not continue.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	if p.opts.DailyQuota > 0 && p.opts.DailyQuota < domain.BatchSize {
		return sum, domain.NewConfigError("daily_quota", "%d is below the batch size %d", p.opts.DailyQuota, domain.BatchSize)
	}

	if n, err := p.ws.RemoveStale(); err != nil {
		return sum, err
	} else if n > 0 {
		p.logger.Info("removed stale temp files", "count", n)
	}

	batches, err := p.ledger.List(ctx)
	if err != nil {
		return sum, err
	}
	if sum.Reconciled, err = p.ws.Reconcile(batches); err != nil {
		return sum, err
	}
	if sum.Reconciled > 0 {
		p.logger.Info("reconciled batch files with ledger", "moved", sum.Reconciled)
	}

	pending, err := p.ledger.Pending(ctx)
	if err != nil {
		return sum, err
	}
	sum.Pending = len(pending)
	defer func() { p.metrics.BatchesPending.Set(float64(sum.Pending)) }()

	p.logger.Info("processing started",
		"batches", len(batches),
		"pending", len(pending),
		"daily_quota", p.opts.DailyQuota,
		"max_batches", p.opts.MaxBatches,
	)

	sum.StopReason = StopDrained
	for _, b := range pending {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if p.opts.MaxBatches > 0 && sum.Attempted >= p.opts.MaxBatches {
			sum.StopReason = StopMaxBatches
			break
		}
		if ok, err := p.withinBudget(ctx, b); err != nil {
			return sum, err
		} else if !ok {
			sum.StopReason = StopQuota
			break
		}

		sum.Attempted++
		rows, err := p.processBatch(ctx, b)
		switch {
		case err == nil:
			sum.Completed++
			sum.Pending--
			sum.Rows += rows
		case ctx.Err() != nil:
			return sum, ctx.Err()
		case domain.IsQuotaExceeded(err):
			sum.Failed++
			sum.StopReason = StopRemote
			p.metrics.BatchesFailed.WithLabelValues("quota").Inc()
			if recErr := p.ledger.RecordFailure(ctx, b.ID, err); recErr != nil {
				return sum, recErr
			}
			if satErr := p.ledger.SaturateDay(ctx, domain.QuotaDay(), max(p.opts.DailyQuota, domain.BatchSize)); satErr != nil {
				return sum, satErr
			}
			p.logger.Error("service quota exceeded, stopping", "batch_id", b.ID, "error", err)
			return sum, err
		case domain.IsBatchFailure(err):
			sum.Failed++
			p.metrics.BatchesFailed.WithLabelValues(failureReason(err)).Inc()
			if recErr := p.ledger.RecordFailure(ctx, b.ID, err); recErr != nil {
				return sum, recErr
			}
			p.logger.Warn("batch failed, left pending", "batch_id", b.ID, "attempts", b.Attempts+1, "error", err)
		default:
			// Workspace and storage errors are fatal: later batches would hit them too.
			sum.Failed++
			p.metrics.BatchesFailed.WithLabelValues("workspace").Inc()
			if recErr := p.ledger.RecordFailure(ctx, b.ID, err); recErr != nil {
				p.logger.Error("record failure", "batch_id", b.ID, "error", recErr)
			}
			return sum, fmt.Errorf("batch %d: %w", b.ID, err)
		}
	}

	p.logger.Info("processing finished",
		"attempted", sum.Attempted,
		"completed", sum.Completed,
		"failed", sum.Failed,
		"pending", sum.Pending,
		"rows", sum.Rows,
		"stop_reason", sum.StopReason,
	)
	return sum, nil
}

// withinBudget reports whether b fits in what is left of today's quota.
func (p *Processor) withinBudget(ctx context.Context, b domain.Batch) (bool, error) {
	if p.opts.DailyQuota <= 0 {
		return true, nil
	}
	used, err := p.ledger.RequestsOn(ctx, domain.QuotaDay())
	if err != nil {
		return false, err
	}
	remaining := p.opts.DailyQuota - used
	p.metrics.QuotaRemaining.Set(float64(max(remaining, 0)))
	if b.Locations > remaining {
		p.logger.Info("daily quota reached, stopping",
			"batch_id", b.ID,
			"locations", b.Locations,
			"used", used,
			"quota", p.opts.DailyQuota,
		)
		return false, nil
	}
	return true, nil
}

// processBatch fetches, validates, and durably stores one batch, then marks
// it done and moves its file. It returns the number of rows written.
func (p *Processor) processBatch(ctx context.Context, b domain.Batch) (int, error) {
	start := time.Now()
	p.logger.Info("batch started", "batch_id", b.ID, "locations", b.Locations)

	locations, err := p.ws.ReadBatch(b.File)
	if err != nil {
		return 0, err
	}
	if len(locations) != b.Locations {
		return 0, fmt.Errorf("batch file %s has %d locations, ledger has %d", b.File, len(locations), b.Locations)
	}

	records, err := p.fetcher.FetchBatch(ctx, b.ID, locations)
	if err != nil {
		return 0, err
	}

	rangeStart, rangeEnd := p.cfg.Range()
	name := domain.ResultFileName(b.ID, rangeStart, rangeEnd, p.cfg.OutputFormat)
	info, err := store.WriteResults(p.ws.ResultPath(name), p.cfg.OutputFormat, p.cfg.SkyType, records)
	if err != nil {
		return 0, err
	}
	info.Path = filepath.Join(store.ResultsDir, name)

	if err := p.ledger.MarkDone(ctx, b.ID, info); err != nil {
		return 0, err
	}
	if err := p.ws.MarkProcessed(b.File); err != nil {
		// The ledger already says done; the next run's reconcile moves the file.
		p.logger.Warn("move batch file failed", "batch_id", b.ID, "error", err)
	}

	p.metrics.BatchesProcessed.Inc()
	p.metrics.RowsWritten.Add(float64(info.Rows))
	p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("batch done",
		"batch_id", b.ID,
		"rows", info.Rows,
		"result_file", info.Path,
		"sha256", info.SHA256,
		"duration", time.Since(start),
	)

	p.publish(ctx, b, info)
	return info.Rows, nil
}

func (p *Processor) publish(ctx context.Context, b domain.Batch, info domain.ResultInfo) {
	if p.publisher == nil {
		return
	}
	event := domain.BatchCompleted{
		BatchID:      b.ID,
		Locations:    b.Locations,
		Rows:         info.Rows,
		ResultFile:   info.Path,
		ResultSHA256: info.SHA256,
		SkyType:      string(p.cfg.SkyType),
		TimeStep:     string(p.cfg.TimeStep),
		StartDate:    p.cfg.StartDate,
		EndDate:      p.cfg.EndDate,
		CompletedAt:  domain.Now().UTC(),
	}
	if err := p.publisher.PublishBatchCompleted(ctx, event); err != nil {
		p.logger.Warn("publish batch event failed", "batch_id", b.ID, "error", err)
		return
	}
	p.metrics.EventsPublished.Inc()
}

func failureReason(err error) string {
	var valErr *domain.ValidationError
	if errors.As(err, &valErr) {
		return "validation"
	}
	return "service"
}

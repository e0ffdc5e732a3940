package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
)

// RequestCounter records service requests against the daily quota.
type RequestCounter interface {
	AddRequests(ctx context.Context, day string, n int) error
}

// Fetcher retrieves and validates the data of one batch, one request per
// location.
type Fetcher struct {
	service domain.IrradianceService
	counter RequestCounter
	cfg     *config.RunConfig
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher for the given run configuration.
func NewFetcher(service domain.IrradianceService, counter RequestCounter, cfg *config.RunConfig, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		service: service,
		counter: counter,
		cfg:     cfg,
		logger:  logger,
	}
}

// FetchBatch returns the records of every location in order. It fails with a
// *domain.ValidationError when any location, or the batch as a whole, does
// not have the expected number of rows.
func (f *Fetcher) FetchBatch(ctx context.Context, batchID int, locations []domain.Location) ([]domain.IrradianceRecord, error) {
	start, end := f.cfg.Range()
	expected := f.cfg.ExpectedRowsPerLocation()

	records := make([]domain.IrradianceRecord, 0, expected*len(locations))
	for _, loc := range locations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Count before calling: a request that fails still uses quota.
		if err := f.counter.AddRequests(ctx, domain.QuotaDay(), 1); err != nil {
			return nil, err
		}

		got, err := f.service.Fetch(ctx, domain.IrradianceRequest{
			Location:      loc,
			SkyType:       f.cfg.SkyType,
			Start:         start,
			End:           end,
			TimeStep:      f.cfg.TimeStep,
			TimeReference: f.cfg.TimeReference,
			Email:         f.cfg.Email,
			Integrated:    f.cfg.Integrated,
		})
		if err != nil {
			return nil, fmt.Errorf("batch %d location %q: %w", batchID, loc.ID, err)
		}
		if len(got) != expected {
			return nil, &domain.ValidationError{BatchID: batchID, LocationID: loc.ID, Expected: expected, Got: len(got)}
		}

		f.logger.Debug("location fetched", "batch_id", batchID, "location_id", loc.ID, "rows", len(got))
		records = append(records, got...)
	}

	if want := expected * len(locations); len(records) != want {
		return nil, &domain.ValidationError{BatchID: batchID, Expected: want, Got: len(records)}
	}
	return records, nil
}

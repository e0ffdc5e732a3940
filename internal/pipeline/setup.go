package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/fsutil"
	"github.com/couchcryptid/cams-data-etl/internal/store"
)

// SetupResult summarises an initialised workspace.
type SetupResult struct {
	Locations int
	Batches   int
}

// Setup validates cfg and the location list, then initialises the workspace
// at dir: batch files, ledger, and persisted run configuration. Nothing is
// written unless every check passes.
func Setup(ctx context.Context, dir string, cfg config.RunConfig, logger *slog.Logger) (_ SetupResult, retErr error) {
	if err := cfg.Validate(); err != nil {
		return SetupResult{}, err
	}

	ws := store.NewWorkspace(dir)
	if ok, err := ws.Initialized(); err != nil {
		return SetupResult{}, err
	} else if ok {
		return SetupResult{}, domain.NewConfigError("dir", "%s is already initialised", dir)
	}
	stale, err := filepath.Glob(filepath.Join(ws.UnprocessedPath(), "*.csv"))
	if err != nil {
		return SetupResult{}, err
	}
	if len(stale) > 0 {
		return SetupResult{}, domain.NewConfigError("dir", "%s already holds %d batch files", ws.UnprocessedPath(), len(stale))
	}

	locations, err := readLocations(cfg.InputFilePath)
	if err != nil {
		return SetupResult{}, err
	}

	abs, err := filepath.Abs(cfg.InputFilePath)
	if err == nil {
		cfg.InputFilePath = abs
	}

	created, err := missingDirs(ws)
	if err != nil {
		return SetupResult{}, err
	}
	if err := ws.Create(); err != nil {
		return SetupResult{}, err
	}
	var written []string
	defer func() {
		if retErr != nil {
			cleanup(ws, written, created, logger)
		}
	}()

	groups := domain.Partition(locations, domain.BatchSize)
	batches := make([]domain.Batch, len(groups))
	for i, group := range groups {
		id := i + 1
		batches[i] = domain.Batch{ID: id, File: domain.BatchFileName(id), Locations: len(group)}
		if err := ws.WriteBatch(batches[i].File, group); err != nil {
			return SetupResult{}, fmt.Errorf("write batch %d: %w", id, err)
		}
		written = append(written, filepath.Join(ws.UnprocessedPath(), batches[i].File))
	}

	written = append(written, ws.LedgerPath(), ws.LedgerPath()+"-wal", ws.LedgerPath()+"-shm")
	ledger, err := store.OpenLedger(ctx, ws.LedgerPath())
	if err != nil {
		return SetupResult{}, err
	}
	defer ledger.Close()
	if err := ledger.CreateBatches(ctx, batches); err != nil {
		return SetupResult{}, err
	}

	if err := config.SaveRun(ws.ConfigPath(), &cfg); err != nil {
		return SetupResult{}, err
	}

	logger.Info("workspace initialised",
		"dir", dir,
		"locations", len(locations),
		"batches", len(batches),
		"sky_type", cfg.SkyType,
		"start_date", cfg.StartDate,
		"end_date", cfg.EndDate,
		"time_step", cfg.TimeStep,
	)
	return SetupResult{Locations: len(locations), Batches: len(batches)}, nil
}

// missingDirs lists the workspace directories that do not exist yet.
func missingDirs(ws *store.Workspace) ([]string, error) {
	var missing []string
	for _, dir := range []string{ws.UnprocessedPath(), ws.ProcessedPath(), ws.ResultsPath()} {
		ok, err := fsutil.Exists(dir)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, dir)
		}
	}
	return missing, nil
}

// cleanup removes what a failed setup wrote so it can simply be run again.
func cleanup(ws *store.Workspace, files, dirs []string, logger *slog.Logger) {
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("setup cleanup failed", "path", f, "error", err)
		}
	}
	if _, err := ws.RemoveStale(); err != nil {
		logger.Warn("setup cleanup failed", "error", err)
	}
	for _, d := range dirs {
		if err := os.Remove(d); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("setup cleanup failed", "path", d, "error", err)
		}
	}
}

func readLocations(path string) ([]domain.Location, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.ConfigError{Field: "input_file_path", Err: err}
	}
	defer f.Close()
	return domain.ParseLocations(f)
}

package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/fsutil"
)

// Directory names inside the base directory.
const (
	UnprocessedDir = "unprocessed"
	ProcessedDir   = "processed"
	ResultsDir     = "results"
)

// Workspace is the on-disk layout of one retrieval:
//
//	<root>/config.yaml
//	<root>/state.db
//	<root>/unprocessed/unprocessed_data_<N>.csv
//	<root>/processed/unprocessed_data_<N>.csv
//	<root>/results/cams_batch_<NNNN>_<start>_<end>.<ext>
type Workspace struct {
	Root string
}

// NewWorkspace returns the workspace rooted at root.
func NewWorkspace(root string) *Workspace {
	return &Workspace{Root: root}
}

func (w *Workspace) ConfigPath() string { return filepath.Join(w.Root, config.RunConfigFile) }
func (w *Workspace) LedgerPath() string { return filepath.Join(w.Root, LedgerFile) }
func (w *Workspace) UnprocessedPath() string { return filepath.Join(w.Root, UnprocessedDir) }
func (w *Workspace) ProcessedPath() string { return filepath.Join(w.Root, ProcessedDir) }
func (w *Workspace) ResultsPath() string { return filepath.Join(w.Root, ResultsDir) }

// ResultPath returns the absolute path of a result file name.
func (w *Workspace) ResultPath(name string) string {
	return filepath.Join(w.ResultsPath(), name)
}

// Initialized reports whether setup has already run here.
func (w *Workspace) Initialized() (bool, error) {
	for _, p := range []string{w.ConfigPath(), w.LedgerPath()} {
		ok, err := fsutil.Exists(p)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// Create makes the batch and result directories.
func (w *Workspace) Create() error {
	for _, dir := range []string{w.UnprocessedPath(), w.ProcessedPath(), w.ResultsPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// WriteBatch writes a batch file into unprocessed/.
func (w *Workspace) WriteBatch(file string, locations []domain.Location) error {
	path := filepath.Join(w.UnprocessedPath(), file)
	return fsutil.WriteFile(path, 0o644, func(out io.Writer) error {
		return domain.WriteLocations(out, locations)
	})
}

// ReadBatch reads the locations of a batch file from wherever it currently is.
func (w *Workspace) ReadBatch(file string) ([]domain.Location, error) {
	path, err := w.locate(file)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	locations, err := domain.ParseLocations(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return locations, nil
}

// MarkProcessed moves a batch file from unprocessed/ to processed/.
func (w *Workspace) MarkProcessed(file string) error {
	return fsutil.Move(filepath.Join(w.UnprocessedPath(), file), filepath.Join(w.ProcessedPath(), file))
}

// MarkUnprocessed moves a batch file from processed/ back to unprocessed/.
func (w *Workspace) MarkUnprocessed(file string) error {
	return fsutil.Move(filepath.Join(w.ProcessedPath(), file), filepath.Join(w.UnprocessedPath(), file))
}

// IsProcessed reports whether the batch file sits in processed/.
func (w *Workspace) IsProcessed(file string) (bool, error) {
	return fsutil.Exists(filepath.Join(w.ProcessedPath(), file))
}

// Reconcile makes directory placement follow the ledger: done batches end up
// in processed/, pending ones in unprocessed/. It returns the number of files moved.
func (w *Workspace) Reconcile(batches []domain.Batch) (int, error) {
	moved := 0
	for _, b := range batches {
		inUnprocessed, err := fsutil.Exists(filepath.Join(w.UnprocessedPath(), b.File))
		if err != nil {
			return moved, err
		}
		inProcessed, err := fsutil.Exists(filepath.Join(w.ProcessedPath(), b.File))
		if err != nil {
			return moved, err
		}
		if !inUnprocessed && !inProcessed {
			return moved, fmt.Errorf("batch %d: %s: %w", b.ID, b.File, os.ErrNotExist)
		}

		switch {
		case b.Status == domain.BatchDone && inUnprocessed:
			err = w.MarkProcessed(b.File)
		case b.Status == domain.BatchPending && inProcessed:
			err = w.MarkUnprocessed(b.File)
		default:
			continue
		}
		if err != nil {
			return moved, fmt.Errorf("reconcile batch %d: %w", b.ID, err)
		}
		moved++
	}
	return moved, nil
}

func (w *Workspace) locate(file string) (string, error) {
	for _, dir := range []string{w.UnprocessedPath(), w.ProcessedPath()} {
		path := filepath.Join(dir, file)
		ok, err := fsutil.Exists(path)
		if err != nil {
			return "", err
		}
		if ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("batch file %s: %w", file, os.ErrNotExist)
}

// RemoveStale deletes leftover temp files from interrupted writes.
func (w *Workspace) RemoveStale() (int, error) {
	removed := 0
	for _, dir := range []string{w.Root, w.UnprocessedPath(), w.ProcessedPath(), w.ResultsPath()} {
		matches, err := filepath.Glob(filepath.Join(dir, ".*.tmp-*"))
		if err != nil {
			return removed, err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

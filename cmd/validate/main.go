// Command validate audits a workspace: the ledger, the batch files, the
// result files, and the input location list must all agree. It verifies
// batch placement, result checksums and row counts, record keys, and that
// every input location belongs to exactly one batch.
//
// Usage:
//
//	go run ./cmd/validate -dir ./work
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/store"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// workspace is everything loaded from disk before the checks run.
type workspace struct {
	ws      *store.Workspace
	cfg     *config.RunConfig
	batches []domain.Batch
	input   []domain.Location
}

func main() {
	dir := flag.String("dir", ".", "workspace directory to audit")
	flag.Parse()

	os.Exit(run(*dir))
}

func run(dir string) int {
	fmt.Println("=== CAMS Workspace Validation ===")
	fmt.Println()

	w, err := load(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateCoverage(w),
		validatePlacement(w),
		validateResults(w),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	done := 0
	for _, b := range w.batches {
		if b.Status == domain.BatchDone {
			done++
		}
	}
	fmt.Println()
	fmt.Printf("Batches: %d total, %d done, %d pending; %d input locations\n",
		len(w.batches), done, len(w.batches)-done, len(w.input))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

func load(dir string) (*workspace, error) {
	ctx := context.Background()
	w := &workspace{ws: store.NewWorkspace(dir)}

	var err error
	if w.cfg, err = config.LoadRun(w.ws.ConfigPath()); err != nil {
		return nil, err
	}

	ledger, err := store.OpenLedger(ctx, w.ws.LedgerPath())
	if err != nil {
		return nil, err
	}
	defer ledger.Close()
	if w.batches, err = ledger.List(ctx); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	f, err := os.Open(w.cfg.InputFilePath)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	if w.input, err = domain.ParseLocations(f); err != nil {
		return nil, err
	}
	return w, nil
}

// ── Phase 1: Coverage ──
// Every input location appears in exactly one batch, in input order.

func validateCoverage(w *workspace) *phase {
	p := &phase{name: "Phase 1: Coverage (input vs batches)"}

	total := 0
	var ids []string
	for i, b := range w.batches {
		if b.ID != i+1 {
			p.errorf("batch ids not contiguous: position %d has id %d", i+1, b.ID)
		}
		if b.Locations > domain.BatchSize {
			p.errorf("batch %d: %d locations exceeds batch size %d", b.ID, b.Locations, domain.BatchSize)
		}
		total += b.Locations

		locs, err := w.ws.ReadBatch(b.File)
		if err != nil {
			p.errorf("batch %d: %v", b.ID, err)
			continue
		}
		if len(locs) != b.Locations {
			p.errorf("batch %d: file has %d locations, ledger has %d", b.ID, len(locs), b.Locations)
		}
		for _, l := range locs {
			ids = append(ids, l.ID)
		}
	}

	if total != len(w.input) {
		p.errorf("ledger holds %d locations, input has %d", total, len(w.input))
	}
	for i, l := range w.input {
		if i >= len(ids) {
			break
		}
		if ids[i] != l.ID {
			p.errorf("location %d: input %q, batches %q", i+1, l.ID, ids[i])
			break
		}
	}
	return p
}

// ── Phase 2: Placement ──
// Batch files sit in the directory matching their ledger status.

func validatePlacement(w *workspace) *phase {
	p := &phase{name: "Phase 2: Placement (ledger vs directories)"}

	known := make(map[string]bool, len(w.batches))
	for _, b := range w.batches {
		known[b.File] = true
		processed, err := w.ws.IsProcessed(b.File)
		if err != nil {
			p.errorf("batch %d: %v", b.ID, err)
			continue
		}
		if processed != (b.Status == domain.BatchDone) {
			p.errorf("batch %d: status %s but file in %s", b.ID, b.Status, placement(processed))
		}
	}

	for _, d := range []string{w.ws.UnprocessedPath(), w.ws.ProcessedPath()} {
		files, err := filepath.Glob(filepath.Join(d, "*.csv"))
		if err != nil {
			p.errorf("list %s: %v", d, err)
			continue
		}
		for _, f := range files {
			if !known[filepath.Base(f)] {
				p.errorf("%s: not in ledger", f)
			}
		}
	}
	return p
}

func placement(processed bool) string {
	if processed {
		return store.ProcessedDir
	}
	return store.UnprocessedDir
}

// ── Phase 3: Results ──
// Done batches have an intact result file with the expected rows and keys.

func validateResults(w *workspace) *phase {
	p := &phase{name: "Phase 3: Results (checksums, rows, keys)"}
	perLocation := w.cfg.ExpectedRowsPerLocation()

	for _, b := range w.batches {
		if b.Status != domain.BatchDone {
			if b.ResultFile != "" {
				p.errorf("batch %d: pending but has result file %s", b.ID, b.ResultFile)
			}
			continue
		}
		path := filepath.Join(w.ws.Root, b.ResultFile)

		sum, err := store.FileSHA256(path)
		if err != nil {
			p.errorf("batch %d: %v", b.ID, err)
			continue
		}
		if sum != b.ResultSHA256 {
			p.errorf("batch %d: sha256 %s, ledger has %s", b.ID, sum, b.ResultSHA256)
		}

		records, err := store.ReadResults(path)
		if err != nil {
			p.errorf("batch %d: %v", b.ID, err)
			continue
		}
		if want := perLocation * b.Locations; len(records) != want || b.Rows != want {
			p.errorf("batch %d: %d rows in file, %d in ledger, expected %d", b.ID, len(records), b.Rows, want)
		}
		checkKeys(p, b, records, w)
	}
	return p
}

func checkKeys(p *phase, b domain.Batch, records []domain.IrradianceRecord, w *workspace) {
	locs, err := w.ws.ReadBatch(b.File)
	if err != nil {
		return
	}
	allowed := make([]string, 0, len(locs))
	for _, l := range locs {
		allowed = append(allowed, l.ID)
	}

	type key struct {
		id string
		ts time.Time
	}
	seen := make(map[key]bool, len(records))
	for _, r := range records {
		k := key{r.LocationID, r.Timestamp.UTC()}
		if seen[k] {
			p.errorf("batch %d: duplicate record %s at %s", b.ID, r.LocationID, r.Timestamp.Format(time.RFC3339))
			return
		}
		seen[k] = true
		if !slices.Contains(allowed, r.LocationID) {
			p.errorf("batch %d: record for unknown location %q", b.ID, r.LocationID)
			return
		}
	}
}

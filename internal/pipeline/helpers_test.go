package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/observability"
	"github.com/couchcryptid/cams-data-etl/internal/pipeline"
	"github.com/couchcryptid/cams-data-etl/internal/store"
)

// --- fakes ---

type fakeService struct {
	mu         sync.Mutex
	calls      int
	rowsDelta  map[string]int
	errFor     map[string]error
	quotaAfter int // calls allowed before the quota error; 0 means unlimited
}

func (f *fakeService) Fetch(_ context.Context, req domain.IrradianceRequest) ([]domain.IrradianceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.quotaAfter > 0 && f.calls > f.quotaAfter {
		return nil, &domain.ServiceError{StatusCode: 429, QuotaExceeded: true, Message: "too many requests"}
	}
	if err := f.errFor[req.Location.ID]; err != nil {
		return nil, err
	}

	n := domain.ExpectedRows(req.Start, req.End, req.TimeStep) + f.rowsDelta[req.Location.ID]
	step := time.Duration(req.TimeStep.Minutes()) * time.Minute
	records := make([]domain.IrradianceRecord, n)
	for i := range records {
		ts := req.Start.Add(time.Duration(i) * step)
		v := float64(i)
		records[i] = domain.IrradianceRecord{
			Timestamp:   ts,
			PeriodStart: ts,
			PeriodEnd:   ts.Add(step),
			GHIExtra:    &v,
			GHIClear:    &v,
			BHIClear:    &v,
			DHIClear:    &v,
			DNIClear:    &v,
		}
	}
	return domain.AttachLocation(records, req.Location), nil
}

func (f *fakeService) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePublisher struct {
	err    error
	events []domain.BatchCompleted
}

func (f *fakePublisher) PublishBatchCompleted(_ context.Context, event domain.BatchCompleted) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

// --- helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func siteID(i int) string { return fmt.Sprintf("site-%03d", i) }

// writeSites writes n synthetic locations and returns the file path.
func writeSites(t *testing.T, dir string, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("id,latitude,longitude\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%s,%.4f,%.4f\n", siteID(i), -60+float64(i%120), -170+float64(i%340))
	}
	path := filepath.Join(dir, "sites.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func runConfig(input string) config.RunConfig {
	return config.RunConfig{
		SkyType:       domain.SkyMcClear,
		StartDate:     "2023-01-01",
		EndDate:       "2023-01-02",
		TimeStep:      domain.Step1H,
		TimeReference: domain.TimeRefUT,
		Email:         "user@example.com",
		InputFilePath: input,
	}
}

// setupWorkspace initialises a workspace with n locations.
func setupWorkspace(t *testing.T, n int, mutate func(*config.RunConfig)) string {
	t.Helper()
	dir := t.TempDir()
	cfg := runConfig(writeSites(t, t.TempDir(), n))
	if mutate != nil {
		mutate(&cfg)
	}
	_, err := pipeline.Setup(context.Background(), dir, cfg, discardLogger())
	require.NoError(t, err)
	return dir
}

type harness struct {
	ws      *store.Workspace
	ledger  *store.Ledger
	cfg     *config.RunConfig
	service *fakeService
	pub     *fakePublisher
}

func newHarness(t *testing.T, dir string, svc *fakeService) *harness {
	t.Helper()
	ws := store.NewWorkspace(dir)
	cfg, err := config.LoadRun(ws.ConfigPath())
	require.NoError(t, err)
	ledger, err := store.OpenLedger(context.Background(), ws.LedgerPath())
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return &harness{ws: ws, ledger: ledger, cfg: cfg, service: svc, pub: &fakePublisher{}}
}

func (h *harness) run(t *testing.T, opts pipeline.Options) (pipeline.Summary, error) {
	t.Helper()
	p := pipeline.NewProcessor(h.ws, h.ledger, h.cfg, h.service, h.pub, discardLogger(), observability.NewMetricsForTesting(), opts)
	return p.Run(context.Background())
}

func (h *harness) batch(t *testing.T, id int) domain.Batch {
	t.Helper()
	b, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return b
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

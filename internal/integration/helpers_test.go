package integration_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/cams-data-etl/internal/adapter/soda"
	"github.com/couchcryptid/cams-data-etl/internal/adapter/sodamock"
	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/observability"
	"github.com/couchcryptid/cams-data-etl/internal/pipeline"
	"github.com/couchcryptid/cams-data-etl/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startMock serves the mock SoDa API and returns it with a client pointed at it.
func startMock(t *testing.T, opts sodamock.Options) (*sodamock.Server, *soda.Client) {
	t.Helper()
	mock := sodamock.NewServer(":0", opts, discardLogger())
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)

	client, err := soda.NewClient(srv.URL, 10*time.Second, discardLogger(), observability.NewMetricsForTesting())
	require.NoError(t, err)
	return mock, client
}

// initWorkspace writes n sites and runs setup with cfg applied.
func initWorkspace(t *testing.T, n int, mutate func(*config.RunConfig)) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("site_id,lat,lon,elevation\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "S%04d,%.3f,%.3f,%d\n", i, 35+float64(i%20)/2, -10+float64(i%40), 100+i)
	}
	input := filepath.Join(t.TempDir(), "sites.csv")
	require.NoError(t, os.WriteFile(input, []byte(b.String()), 0o644))

	cfg := config.RunConfig{
		SkyType:       domain.SkyMcClear,
		StartDate:     "2023-01-01",
		EndDate:       "2023-01-02",
		TimeStep:      domain.Step1H,
		TimeReference: domain.TimeRefUT,
		Email:         "user@example.com",
		InputFilePath: input,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	dir := t.TempDir()
	_, err := pipeline.Setup(context.Background(), dir, cfg, discardLogger())
	require.NoError(t, err)
	return dir
}

// process runs one processing pass over dir.
func process(t *testing.T, dir string, service domain.IrradianceService, publisher pipeline.EventPublisher, opts pipeline.Options) (pipeline.Summary, error) {
	t.Helper()
	ctx := context.Background()
	ws := store.NewWorkspace(dir)
	cfg, err := config.LoadRun(ws.ConfigPath())
	require.NoError(t, err)
	ledger, err := store.OpenLedger(ctx, ws.LedgerPath())
	require.NoError(t, err)
	defer ledger.Close()

	p := pipeline.NewProcessor(ws, ledger, cfg, service, publisher, discardLogger(), observability.NewMetricsForTesting(), opts)
	return p.Run(ctx)
}

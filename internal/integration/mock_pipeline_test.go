package integration_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/cams-data-etl/internal/adapter/sodamock"
	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/pipeline"
	"github.com/couchcryptid/cams-data-etl/internal/store"
)

func TestMockPipeline_DrainsAcrossDays(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC))
	domain.SetClock(clock)
	t.Cleanup(func() { domain.SetClock(nil) })

	mock, client := startMock(t, sodamock.Options{Quota: 100, Clock: clock})
	dir := initWorkspace(t, 250, func(c *config.RunConfig) {
		c.SkyType = domain.SkyCAMSRadiation
	})

	for day := 1; day <= 3; day++ {
		sum, err := process(t, dir, client, nil, pipeline.Options{DailyQuota: 100})
		require.NoError(t, err, "day %d", day)
		assert.Equal(t, 1, sum.Completed, "day %d", day)
		clock.Advance(24 * time.Hour)
	}
	assert.Equal(t, 250, mock.Requests())

	ws := store.NewWorkspace(dir)
	ledger, err := store.OpenLedger(context.Background(), ws.LedgerPath())
	require.NoError(t, err)
	defer ledger.Close()

	batches, err := ledger.List(context.Background())
	require.NoError(t, err)
	for _, b := range batches {
		require.Equal(t, domain.BatchDone, b.Status)
		records, err := store.ReadResults(filepath.Join(dir, b.ResultFile))
		require.NoError(t, err)
		assert.Len(t, records, b.Locations*24)
		assert.NotNil(t, records[0].GHI)
		assert.NotNil(t, records[0].Reliability)
	}
}

func TestMockPipeline_RemoteQuota(t *testing.T) {
	// The mock allows fewer requests than the local budget assumes.
	mock, client := startMock(t, sodamock.Options{Quota: 60})
	dir := initWorkspace(t, 150, nil)

	sum, err := process(t, dir, client, nil, pipeline.Options{DailyQuota: 100})
	require.Error(t, err)
	assert.True(t, domain.IsQuotaExceeded(err))
	assert.Equal(t, pipeline.StopRemote, sum.StopReason)
	assert.Equal(t, 61, mock.Requests())

	sum, err = process(t, dir, client, nil, pipeline.Options{DailyQuota: 100})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StopQuota, sum.StopReason)
	assert.Equal(t, 61, mock.Requests(), "saturated day makes no further requests")
}

func TestMockPipeline_TruncatedResponses(t *testing.T) {
	_, client := startMock(t, sodamock.Options{DropRows: 1})
	dir := initWorkspace(t, 10, func(c *config.RunConfig) {
		c.TimeStep = domain.Step1D
		c.EndDate = "2023-02-01"
		c.OutputFormat = config.FormatParquet
	})

	sum, err := process(t, dir, client, nil, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Empty(t, filesIn(t, store.NewWorkspace(dir).ResultsPath()))
}

func TestMockPipeline_Monthly(t *testing.T) {
	_, client := startMock(t, sodamock.Options{})
	dir := initWorkspace(t, 3, func(c *config.RunConfig) {
		c.TimeStep = domain.Step1M
		c.EndDate = "2023-07-01"
	})

	sum, err := process(t, dir, client, nil, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3*6, sum.Rows)
}

func filesIn(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	return matches
}

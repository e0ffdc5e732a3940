package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/observability"
	"github.com/couchcryptid/cams-data-etl/internal/pipeline"
	"github.com/couchcryptid/cams-data-etl/internal/store"
)

func useFakeClock(t *testing.T) *clockwork.FakeClock {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	domain.SetClock(clock)
	t.Cleanup(func() { domain.SetClock(nil) })
	return clock
}

func TestProcessor_ProcessesAllBatches(t *testing.T) {
	useFakeClock(t)
	dir := setupWorkspace(t, 250, nil)
	h := newHarness(t, dir, &fakeService{})

	sum, err := h.run(t, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Summary{
		Attempted:  3,
		Completed:  3,
		Rows:       250 * 24,
		StopReason: pipeline.StopDrained,
	}, sum)
	assert.Equal(t, 250, h.service.Calls())

	assert.Empty(t, listDir(t, h.ws.UnprocessedPath()))
	assert.Len(t, listDir(t, h.ws.ProcessedPath()), 3)

	for id, locations := range map[int]int{1: 100, 2: 100, 3: 50} {
		b := h.batch(t, id)
		assert.Equal(t, domain.BatchDone, b.Status)
		assert.Equal(t, locations*24, b.Rows)
		assert.Equal(t, filepath.Join(store.ResultsDir, domain.ResultFileName(id,
			time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC), "csv")), b.ResultFile)

		records, err := store.ReadResults(filepath.Join(dir, b.ResultFile))
		require.NoError(t, err)
		assert.Len(t, records, locations*24)

		digest, err := store.FileSHA256(filepath.Join(dir, b.ResultFile))
		require.NoError(t, err)
		assert.Equal(t, b.ResultSHA256, digest)
	}

	used, err := h.ledger.RequestsOn(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, 250, used)

	require.Len(t, h.pub.events, 3)
	assert.Equal(t, 1, h.pub.events[0].BatchID)
	assert.Equal(t, 2400, h.pub.events[0].Rows)
	assert.Equal(t, "mcclear", h.pub.events[0].SkyType)
}

func TestProcessor_RerunIsNoop(t *testing.T) {
	dir := setupWorkspace(t, 150, nil)
	h := newHarness(t, dir, &fakeService{})

	_, err := h.run(t, pipeline.Options{})
	require.NoError(t, err)
	callsAfterFirst := h.service.Calls()
	before := snapshot(t, h.ws.ResultsPath())

	sum, err := h.run(t, pipeline.Options{})
	require.NoError(t, err)
	assert.Zero(t, sum.Attempted)
	assert.Equal(t, pipeline.StopDrained, sum.StopReason)
	assert.Equal(t, callsAfterFirst, h.service.Calls(), "no requests on rerun")
	assert.Equal(t, before, snapshot(t, h.ws.ResultsPath()))
}

func TestProcessor_RowMismatchLeavesBatchPending(t *testing.T) {
	dir := setupWorkspace(t, 250, nil)
	svc := &fakeService{rowsDelta: map[string]int{siteID(150): -1}}
	h := newHarness(t, dir, svc)

	sum, err := h.run(t, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Attempted)
	assert.Equal(t, 2, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Pending)

	b := h.batch(t, 2)
	assert.Equal(t, domain.BatchPending, b.Status)
	assert.Equal(t, 1, b.Attempts)
	assert.Contains(t, b.LastError, "expected 24 rows, got 23")
	assert.Empty(t, b.ResultFile)

	assert.Equal(t, []string{domain.BatchFileName(2)}, listDir(t, h.ws.UnprocessedPath()))
	assert.Len(t, listDir(t, h.ws.ResultsPath()), 2, "no result file for the failed batch")
	assert.Equal(t, domain.BatchDone, h.batch(t, 3).Status)
}

func TestProcessor_ServiceErrorContinues(t *testing.T) {
	dir := setupWorkspace(t, 250, nil)
	svc := &fakeService{errFor: map[string]error{
		siteID(7): &domain.ServiceError{StatusCode: 500, Message: "internal error"},
	}}
	h := newHarness(t, dir, svc)

	sum, err := h.run(t, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.Completed)

	b := h.batch(t, 1)
	assert.Equal(t, domain.BatchPending, b.Status)
	assert.Contains(t, b.LastError, "status=500")

	// The next run retries only the failed batch.
	delete(svc.errFor, siteID(7))
	calls := svc.Calls()
	sum, err = h.run(t, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 100, svc.Calls()-calls)
	assert.Equal(t, 2, h.batch(t, 1).Attempts)
}

func TestProcessor_DailyQuotaStopsCleanly(t *testing.T) {
	clock := useFakeClock(t)
	dir := setupWorkspace(t, 250, nil)
	h := newHarness(t, dir, &fakeService{})

	sum, err := h.run(t, pipeline.Options{DailyQuota: 200})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Completed)
	assert.Equal(t, 1, sum.Pending)
	assert.Equal(t, pipeline.StopQuota, sum.StopReason)
	assert.Equal(t, 200, h.service.Calls())
	assert.Equal(t, domain.BatchPending, h.batch(t, 3).Status)

	// Same day: nothing fits, nothing is requested.
	sum, err = h.run(t, pipeline.Options{DailyQuota: 200})
	require.NoError(t, err)
	assert.Zero(t, sum.Attempted)
	assert.Equal(t, 200, h.service.Calls())

	clock.Advance(24 * time.Hour)
	sum, err = h.run(t, pipeline.Options{DailyQuota: 200})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)
	assert.Zero(t, sum.Pending)
	assert.Equal(t, 250, h.service.Calls())
}

func TestProcessor_QuotaBelowBatchSizeRejected(t *testing.T) {
	useFakeClock(t)
	dir := setupWorkspace(t, 250, nil)
	h := newHarness(t, dir, &fakeService{})

	_, err := h.run(t, pipeline.Options{DailyQuota: 50})
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "daily_quota", cfgErr.Field)
	assert.Zero(t, h.service.Calls())
	assert.Zero(t, h.batch(t, 1).Attempts)
}

func TestProcessor_RemoteQuotaExceededStopsRun(t *testing.T) {
	useFakeClock(t)
	dir := setupWorkspace(t, 250, nil)
	svc := &fakeService{quotaAfter: 150}
	h := newHarness(t, dir, svc)

	sum, err := h.run(t, pipeline.Options{DailyQuota: 1000})
	require.Error(t, err)
	assert.True(t, domain.IsQuotaExceeded(err))
	assert.Equal(t, pipeline.StopRemote, sum.StopReason)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 151, svc.Calls())

	assert.Equal(t, domain.BatchDone, h.batch(t, 1).Status)
	assert.Equal(t, 1, h.batch(t, 2).Attempts)
	assert.Zero(t, h.batch(t, 3).Attempts, "batches after the quota error are not attempted")

	used, err := h.ledger.RequestsOn(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, used, 1000)

	// The rest of the day makes no calls.
	sum, err = h.run(t, pipeline.Options{DailyQuota: 1000})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StopQuota, sum.StopReason)
	assert.Equal(t, 151, svc.Calls())
}

func TestProcessor_MaxBatches(t *testing.T) {
	dir := setupWorkspace(t, 250, nil)
	h := newHarness(t, dir, &fakeService{})

	sum, err := h.run(t, pipeline.Options{MaxBatches: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 2, sum.Pending)
	assert.Equal(t, pipeline.StopMaxBatches, sum.StopReason)
}

func TestProcessor_ReconcilesWithLedger(t *testing.T) {
	dir := setupWorkspace(t, 150, nil)
	h := newHarness(t, dir, &fakeService{})

	_, err := h.run(t, pipeline.Options{MaxBatches: 1})
	require.NoError(t, err)

	// Done batch 1 dragged back to unprocessed; pending batch 2 moved to processed.
	require.NoError(t, h.ws.MarkUnprocessed(domain.BatchFileName(1)))
	require.NoError(t, h.ws.MarkProcessed(domain.BatchFileName(2)))
	calls := h.service.Calls()

	sum, err := h.run(t, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Reconciled)
	assert.Equal(t, 1, sum.Completed, "only batch 2 is processed")
	assert.Equal(t, 50, h.service.Calls()-calls)
	assert.Len(t, listDir(t, h.ws.ProcessedPath()), 2)
	assert.Empty(t, listDir(t, h.ws.UnprocessedPath()))
}

func TestProcessor_CorruptBatchFileStopsRun(t *testing.T) {
	dir := setupWorkspace(t, 150, nil)
	h := newHarness(t, dir, &fakeService{})
	require.NoError(t, h.ws.WriteBatch(domain.BatchFileName(1), []domain.Location{{ID: "lone", Latitude: 1, Longitude: 1}}))

	sum, err := h.run(t, pipeline.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 1")
	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, h.service.Calls())

	b := h.batch(t, 1)
	assert.Equal(t, domain.BatchPending, b.Status)
	assert.Equal(t, 1, b.Attempts)
	assert.Contains(t, b.LastError, "ledger has 100")
	assert.Zero(t, h.batch(t, 2).Attempts, "later batches are not attempted")
}

func TestProcessor_PublishFailureDoesNotFailBatch(t *testing.T) {
	dir := setupWorkspace(t, 20, nil)
	h := newHarness(t, dir, &fakeService{})
	h.pub.err = errors.New("broker down")

	sum, err := h.run(t, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, domain.BatchDone, h.batch(t, 1).Status)
}

func TestProcessor_CanceledContext(t *testing.T) {
	dir := setupWorkspace(t, 20, nil)
	h := newHarness(t, dir, &fakeService{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := pipeline.NewProcessor(h.ws, h.ledger, h.cfg, h.service, nil, discardLogger(), observability.NewMetricsForTesting(), pipeline.Options{})

	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.BatchPending, h.batch(t, 1).Status)
	assert.Zero(t, h.batch(t, 1).Attempts)
}

func TestProcessor_ParquetOutput(t *testing.T) {
	dir := setupWorkspace(t, 30, func(c *config.RunConfig) {
		c.OutputFormat = config.FormatParquet
		c.TimeStep = domain.Step15Min
		c.EndDate = "2023-01-03"
	})
	h := newHarness(t, dir, &fakeService{})

	_, err := h.run(t, pipeline.Options{})
	require.NoError(t, err)

	b := h.batch(t, 1)
	assert.Equal(t, ".parquet", filepath.Ext(b.ResultFile))
	records, err := store.ReadResults(filepath.Join(dir, b.ResultFile))
	require.NoError(t, err)
	assert.Len(t, records, 30*192)
}

func TestProcessor_RemovesStaleTempFiles(t *testing.T) {
	dir := setupWorkspace(t, 5, nil)
	h := newHarness(t, dir, &fakeService{})
	stale := filepath.Join(h.ws.ResultsPath(), ".cams_batch_0001_2023-01-01_2023-01-02.csv.tmp-42")
	require.NoError(t, os.WriteFile(stale, []byte("half"), 0o600))

	_, err := h.run(t, pipeline.Options{})
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
}

// snapshot maps each file in dir to its digest.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, name := range listDir(t, dir) {
		digest, err := store.FileSHA256(filepath.Join(dir, name))
		require.NoError(t, err)
		out[name] = digest
	}
	return out
}

package eastmoney

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZihanQ/intelligent-data-crawler/internal/clean"
	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newAdapter(t *testing.T, codes ...string) *Adapter {
	t.Helper()
	a, err := New(Config{Codes: codes}, fixedClock{now: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	return a
}

func TestPlanTasksFromCheckpoint(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, "000001", "600519")
	tasks, err := a.PlanTasks(context.Background(), crawl.Checkpoint{SourceID: SourceID, Value: "2024-01-10"})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	require.Contains(t, tasks[0].Target, "beg=20240111", "planning starts the day after the checkpoint")
	require.Contains(t, tasks[0].Target, "end=20240115")
	require.Contains(t, tasks[0].Target, "secid=0.000001", "Shenzhen codes use market 0")
	require.Contains(t, tasks[1].Target, "secid=1.600519", "Shanghai codes use market 1")
}

func TestPlanTasksWithoutCheckpointBackfills(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, "300750")
	tasks, err := a.PlanTasks(context.Background(), crawl.Checkpoint{SourceID: SourceID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Contains(t, tasks[0].Target, "beg=20230115")
	require.Contains(t, tasks[0].Target, "secid=0.300750")
}

func TestPlanTasksUpToDateCheckpoint(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, "000001")
	tasks, err := a.PlanTasks(context.Background(), crawl.Checkpoint{SourceID: SourceID, Value: "2024-01-15"})
	require.NoError(t, err)
	require.Empty(t, tasks, "nothing to fetch when the checkpoint is current")
}

func TestPlanTasksRejectsBadCheckpoint(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, "000001")
	_, err := a.PlanTasks(context.Background(), crawl.Checkpoint{SourceID: SourceID, Value: "20240110"})
	require.Error(t, err)
}

const jsonpBody = `jQuery112409568143051406726_1234567890({"rc":0,"data":{"code":"000001","market":0,"name":"平安银行","klines":[` +
	`"2024-01-11,10.20,10.50,10.60,10.10,500000,5250000.0,4.9,2.94,0.30,0.65",` +
	`"2024-01-12,10.50,10.90,11.00,10.40,620000,6758000.0,5.7,3.81,0.40,0.81"` +
	`]}})`

func TestExtractParsesJSONP(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, "000001")
	records, err := a.Extract(crawl.FetchResponse{Body: []byte(jsonpBody)})
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	require.Equal(t, SourceID, first.SourceID)
	require.Equal(t, "2024-01-11", first.Fields["date"])
	require.Equal(t, "10.50", first.Fields["close"])
	require.Equal(t, "000001", first.Fields["code"])
	require.Equal(t, "平安银行", first.Fields["name"])
}

func TestExtractPlainJSON(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, "000001")
	body := `{"data":{"code":"000001","name":"平安银行","klines":["2024-01-11,1,2,3,1,5,6,7,8,9,10"]}}`
	records, err := a.Extract(crawl.FetchResponse{Body: []byte(body)})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestExtractEmptyKlines(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, "000001")
	records, err := a.Extract(crawl.FetchResponse{Body: []byte(`cb({"data":null})`)})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestExtractShortRow(t *testing.T) {
	t.Parallel()

	a := newAdapter(t, "000001")
	_, err := a.Extract(crawl.FetchResponse{Body: []byte(`cb({"data":{"klines":["2024-01-11,1,2"]}})`)})
	require.Error(t, err)
}

func TestCleanerConfigRepairsPlaceholders(t *testing.T) {
	t.Parallel()

	cleaner := clean.New(CleanerConfig())
	record := cleaner.Validate(crawl.RawRecord{
		SourceID: SourceID,
		Fields: map[string]any{
			"code": "000001", "name": "平安银行",
			"date": "2024-01-11",
			"open": "10.20", "close": "10.50", "high": "10.60", "low": "10.10",
			"volume": "-", "amount": "5250000.0", "amplitude": "4.9",
			"change_pct": "2.94", "change_amt": "0.30", "turnover_rate": "-",
		},
		FetchedAt: time.Unix(1700000000, 0).UTC(),
	})
	require.Equal(t, crawl.VerdictRepaired, record.Verdict)
	require.Equal(t, float64(0), record.Fields["volume"])
	require.Equal(t, "000001:2024-01-11", record.NaturalKey)
	require.Equal(t, "2024-01-11", record.CheckpointValue)
}

func TestCleanerConfigRejectsNegativePrice(t *testing.T) {
	t.Parallel()

	cleaner := clean.New(CleanerConfig())
	record := cleaner.Validate(crawl.RawRecord{
		SourceID: SourceID,
		Fields: map[string]any{
			"code": "000001", "name": "平安银行",
			"date": "2024-01-11",
			"open": "10.20", "close": "-5", "high": "10.60", "low": "10.10",
			"volume": "1", "amount": "1", "amplitude": "1",
			"change_pct": "1", "change_amt": "1", "turnover_rate": "1",
		},
		FetchedAt: time.Unix(1700000000, 0).UTC(),
	})
	require.Equal(t, crawl.VerdictRejected, record.Verdict)
	require.NotEmpty(t, record.Notes)
}

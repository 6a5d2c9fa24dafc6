package eastmoney

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZihanQ/intelligent-data-crawler/internal/clean"
	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

func newListAdapter() *ListAdapter {
	return NewList(ListConfig{}, fixedClock{now: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)})
}

func TestListPlanTasksSingleSnapshot(t *testing.T) {
	t.Parallel()

	a := newListAdapter()
	tasks, err := a.PlanTasks(context.Background(), crawl.Checkpoint{SourceID: ListSourceID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	target := tasks[0].Target
	require.Contains(t, target, "pz=10000", "one page covers the whole board")
	require.Contains(t, target, "pn=1")
	require.Contains(t, target, "fid=f3")
	require.Contains(t, target, "m%3A0%2Bt%3A6", "Shenzhen and Shanghai A-share boards are selected")
}

const clistBody = `jQuery1124({"data":{"total":2,"diff":[` +
	`{"f2":10.50,"f3":2.94,"f5":500000,"f6":5250000.0,"f8":0.65,"f12":"000001","f14":"平安银行","f15":10.60,"f16":10.10,"f17":10.20,"f18":10.20,"f20":203000000000,"f21":199000000000},` +
	`{"f2":"-","f3":"-","f5":"-","f6":"-","f8":"-","f12":"600519","f14":"贵州茅台","f15":"-","f16":"-","f17":"-","f18":1688.0,"f20":2120000000000,"f21":2120000000000}` +
	`]}})`

func TestListExtractStampsFetchDate(t *testing.T) {
	t.Parallel()

	a := newListAdapter()
	records, err := a.Extract(crawl.FetchResponse{Body: []byte(clistBody)})
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	require.Equal(t, ListSourceID, first.SourceID)
	require.Equal(t, "000001", first.Fields["code"])
	require.Equal(t, "平安银行", first.Fields["name"])
	require.Equal(t, "2024-01-15", first.Fields["date"], "snapshot records carry the fetch date")
	require.Equal(t, 10.50, first.Fields["price"])
}

func TestListExtractEmptyDiff(t *testing.T) {
	t.Parallel()

	a := newListAdapter()
	records, err := a.Extract(crawl.FetchResponse{Body: []byte(`cb({"data":null})`)})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestListCleanerRepairsSuspendedQuotes(t *testing.T) {
	t.Parallel()

	a := newListAdapter()
	records, err := a.Extract(crawl.FetchResponse{Body: []byte(clistBody)})
	require.NoError(t, err)

	cleaner := clean.New(ListCleanerConfig())
	suspended := cleaner.Validate(records[1])
	require.Equal(t, crawl.VerdictRepaired, suspended.Verdict)
	require.Equal(t, float64(0), suspended.Fields["price"], "suspended stocks repair their quote fields to zero")
	require.Equal(t, "600519:2024-01-15", suspended.NaturalKey)
	require.Equal(t, "2024-01-15", suspended.CheckpointValue)
}

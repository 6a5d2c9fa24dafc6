package eastmoney

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ZihanQ/intelligent-data-crawler/internal/clean"
	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// FundFlowSourceID identifies the capital fund-flow adapter.
const FundFlowSourceID = crawl.SourceID("eastmoney-fflow")

const (
	defaultFundFlowURL = "https://push2.eastmoney.com/api/qt/stock/fflow/kline/get"
	// fundFlowWindow keeps the endpoint's trailing days; the fflow API
	// serves no date filter, so the tail is trimmed client-side.
	fundFlowWindow = 10
)

// fundFlowFields is the order of comma-separated values in one fflow row.
var fundFlowFields = []string{
	"date",
	"main_inflow",
	"small_inflow",
	"medium_inflow",
	"large_inflow",
	"xlarge_inflow",
	"main_inflow_pct",
	"close",
	"change_pct",
}

// FundFlowConfig lists the stock codes to track.
type FundFlowConfig struct {
	Codes   []string
	BaseURL string
}

// FundFlowAdapter fetches per-stock daily capital flow klines. The
// endpoint ignores date ranges, so every run refetches the trailing
// window and relies on (code, date) deduplication; the checkpoint only
// records how far the data reaches.
type FundFlowAdapter struct {
	cfg   FundFlowConfig
	clock crawl.Clock
}

// NewFundFlow builds a FundFlowAdapter.
func NewFundFlow(cfg FundFlowConfig, clock crawl.Clock) (*FundFlowAdapter, error) {
	if len(cfg.Codes) == 0 {
		return nil, fmt.Errorf("at least one stock code is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultFundFlowURL
	}
	return &FundFlowAdapter{cfg: cfg, clock: clock}, nil
}

// ID returns the source identifier.
func (a *FundFlowAdapter) ID() crawl.SourceID {
	return FundFlowSourceID
}

// PlanTasks builds one fflow fetch per tracked code.
func (a *FundFlowAdapter) PlanTasks(_ context.Context, _ crawl.Checkpoint) ([]crawl.CrawlTask, error) {
	now := a.clock.Now()
	tasks := make([]crawl.CrawlTask, 0, len(a.cfg.Codes))
	for _, code := range a.cfg.Codes {
		params := url.Values{}
		params.Set("lmt", "0")
		params.Set("klt", dailyKline)
		params.Set("secid", secID(code))
		params.Set("fields1", "f1,f2,f3,f7")
		params.Set("fields2", "f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61,f62,f63,f64,f65")
		tasks = append(tasks, crawl.CrawlTask{
			SourceID:  FundFlowSourceID,
			Target:    a.cfg.BaseURL + "?" + params.Encode(),
			CreatedAt: now,
		})
	}
	return tasks, nil
}

// Extract parses the fflow payload, keeping the trailing window of rows.
func (a *FundFlowAdapter) Extract(response crawl.FetchResponse) ([]crawl.RawRecord, error) {
	body, err := stripJSONP(response.Body)
	if err != nil {
		return nil, err
	}

	var payload klinePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode fund flow payload: %w", err)
	}
	lines := payload.Data.Klines
	if len(lines) == 0 {
		return nil, nil
	}
	if len(lines) > fundFlowWindow {
		lines = lines[len(lines)-fundFlowWindow:]
	}

	fetchedAt := a.clock.Now()
	records := make([]crawl.RawRecord, 0, len(lines))
	for _, line := range lines {
		values := strings.Split(line, ",")
		if len(values) < len(fundFlowFields) {
			return nil, fmt.Errorf("fund flow row has %d fields, want %d", len(values), len(fundFlowFields))
		}
		fields := make(map[string]any, len(fundFlowFields)+2)
		for i, name := range fundFlowFields {
			fields[name] = values[i]
		}
		fields["code"] = payload.Data.Code
		fields["name"] = payload.Data.Name
		records = append(records, crawl.RawRecord{
			SourceID:  FundFlowSourceID,
			Fields:    fields,
			FetchedAt: fetchedAt,
		})
	}
	return records, nil
}

// FundFlowCleanerConfig declares the validation pipeline for fund-flow
// records. Flow amounts report "-" on suspended days and repair to zero.
func FundFlowCleanerConfig() clean.Config {
	rules := []clean.FieldRule{
		{Field: "code", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.TrimSpace, Assert: clean.NonEmpty},
		{Field: "date", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.Chain(clean.TrimSpace, clean.ToISODate("2006-01-02", "20060102"))},
		{Field: "close", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.ToFloat, Assert: clean.Positive},
		{Field: "main_inflow", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "small_inflow", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "medium_inflow", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "large_inflow", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "xlarge_inflow", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "main_inflow_pct", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "change_pct", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "name", Missing: clean.StrategyCarryForward, Normalize: clean.TrimSpace},
	}
	return clean.Config{
		KeyFields:       []string{"code", "date"},
		CheckpointField: "date",
		Rules:           rules,
	}
}

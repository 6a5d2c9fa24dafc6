// Package eastmoney adapts the EastMoney quote API: it plans incremental
// daily kline fetches per stock code and extracts records from the JSONP
// payloads the endpoint returns.
package eastmoney

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ZihanQ/intelligent-data-crawler/internal/clean"
	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// SourceID identifies this adapter.
const SourceID = crawl.SourceID("eastmoney")

const (
	defaultBaseURL = "https://push2his.eastmoney.com/api/qt/stock/kline/get"
	// dailyKline selects the daily period; the endpoint also serves
	// weekly (102) and monthly (103).
	dailyKline = "101"
	// backfillDays bounds the first fetch when no checkpoint exists.
	backfillDays = 365
)

// klineFields is the order of comma-separated values in one kline row.
var klineFields = []string{
	"date",
	"open",
	"close",
	"high",
	"low",
	"volume",
	"amount",
	"amplitude",
	"change_pct",
	"change_amt",
	"turnover_rate",
}

// Config lists the stock codes to track.
type Config struct {
	Codes   []string
	BaseURL string
	Period  string
}

// Adapter implements crawl.SourceAdapter for EastMoney daily klines.
type Adapter struct {
	cfg   Config
	clock crawl.Clock
}

// New builds an Adapter.
func New(cfg Config, clock crawl.Clock) (*Adapter, error) {
	if len(cfg.Codes) == 0 {
		return nil, fmt.Errorf("at least one stock code is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Period == "" {
		cfg.Period = dailyKline
	}
	return &Adapter{cfg: cfg, clock: clock}, nil
}

// ID returns the source identifier.
func (a *Adapter) ID() crawl.SourceID {
	return SourceID
}

// PlanTasks builds one kline fetch per tracked code, starting the day
// after the checkpoint. An empty checkpoint backfills one year.
func (a *Adapter) PlanTasks(_ context.Context, checkpoint crawl.Checkpoint) ([]crawl.CrawlTask, error) {
	now := a.clock.Now()
	beg := now.AddDate(0, 0, -backfillDays)
	if checkpoint.Value != "" {
		from, err := time.Parse("2006-01-02", checkpoint.Value)
		if err != nil {
			return nil, fmt.Errorf("parse checkpoint %q: %w", checkpoint.Value, err)
		}
		beg = from.AddDate(0, 0, 1)
	}
	if beg.After(now) {
		return nil, nil
	}

	tasks := make([]crawl.CrawlTask, 0, len(a.cfg.Codes))
	for _, code := range a.cfg.Codes {
		tasks = append(tasks, crawl.CrawlTask{
			SourceID:  SourceID,
			Target:    a.klineURL(code, beg, now),
			CreatedAt: now,
		})
	}
	return tasks, nil
}

func (a *Adapter) klineURL(code string, beg, end time.Time) string {
	params := url.Values{}
	params.Set("secid", secID(code))
	params.Set("klt", a.cfg.Period)
	params.Set("fqt", "1")
	params.Set("fields1", "f1,f2,f3,f4,f5,f6")
	params.Set("fields2", "f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61")
	params.Set("beg", beg.Format("20060102"))
	params.Set("end", end.Format("20060102"))
	return a.cfg.BaseURL + "?" + params.Encode()
}

// secID prefixes the exchange market: 0 for Shenzhen codes (0x, 3x),
// 1 for Shanghai.
func secID(code string) string {
	if strings.HasPrefix(code, "0") || strings.HasPrefix(code, "3") {
		return "0." + code
	}
	return "1." + code
}

type klinePayload struct {
	Data struct {
		Code   string   `json:"code"`
		Name   string   `json:"name"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

// Extract parses the kline payload into raw records, one per trading day.
func (a *Adapter) Extract(response crawl.FetchResponse) ([]crawl.RawRecord, error) {
	body, err := stripJSONP(response.Body)
	if err != nil {
		return nil, err
	}

	var payload klinePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode kline payload: %w", err)
	}
	if len(payload.Data.Klines) == 0 {
		return nil, nil
	}

	fetchedAt := a.clock.Now()
	records := make([]crawl.RawRecord, 0, len(payload.Data.Klines))
	for _, line := range payload.Data.Klines {
		values := strings.Split(line, ",")
		if len(values) < len(klineFields) {
			return nil, fmt.Errorf("kline row has %d fields, want %d", len(values), len(klineFields))
		}
		fields := make(map[string]any, len(klineFields)+2)
		for i, name := range klineFields {
			fields[name] = values[i]
		}
		fields["code"] = payload.Data.Code
		fields["name"] = payload.Data.Name
		records = append(records, crawl.RawRecord{
			SourceID:  SourceID,
			Fields:    fields,
			FetchedAt: fetchedAt,
		})
	}
	return records, nil
}

// stripJSONP unwraps a jQuery-style callback; plain JSON passes through.
func stripJSONP(body []byte) ([]byte, error) {
	text := string(body)
	start := strings.Index(text, "(")
	if start < 0 {
		return body, nil
	}
	end := strings.LastIndex(text, ")")
	if end < start {
		return nil, fmt.Errorf("malformed JSONP wrapper")
	}
	return []byte(text[start+1 : end]), nil
}

// CleanerConfig declares the validation pipeline for kline records.
// Prices must be positive; the exchange emits "-" for suspended days,
// which volume-style fields repair to zero.
func CleanerConfig() clean.Config {
	rules := []clean.FieldRule{
		{Field: "code", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.TrimSpace, Assert: clean.NonEmpty},
		{Field: "date", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.Chain(clean.TrimSpace, clean.ToISODate("2006-01-02", "20060102"))},
		{Field: "open", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.ToFloat, Assert: clean.Positive},
		{Field: "close", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.ToFloat, Assert: clean.Positive},
		{Field: "high", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.ToFloat, Assert: clean.Positive},
		{Field: "low", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.ToFloat, Assert: clean.Positive},
		{Field: "volume", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "amount", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "amplitude", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "change_pct", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "change_amt", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "turnover_rate", Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat},
		{Field: "name", Missing: clean.StrategyCarryForward, Normalize: clean.TrimSpace},
	}
	return clean.Config{
		KeyFields:       []string{"code", "date"},
		CheckpointField: "date",
		Rules:           rules,
	}
}

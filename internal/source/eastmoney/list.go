package eastmoney

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/ZihanQ/intelligent-data-crawler/internal/clean"
	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// ListSourceID identifies the A-share universe snapshot adapter.
const ListSourceID = crawl.SourceID("eastmoney-list")

const (
	defaultListURL = "https://82.push2.eastmoney.com/api/qt/clist/get"
	// listMarkets selects the Shenzhen and Shanghai A-share boards.
	listMarkets     = "m:0+t:6,m:0+t:80,m:1+t:2,m:1+t:23"
	defaultPageSize = 10000
)

// clistFields maps the quote API's f-codes to record field names. f12 and
// f14 (code, name) are handled separately as strings.
var clistFields = map[string]string{
	"f2":  "price",
	"f3":  "change_pct",
	"f5":  "volume",
	"f6":  "amount",
	"f8":  "turnover_rate",
	"f15": "high",
	"f16": "low",
	"f17": "open",
	"f18": "prev_close",
	"f20": "market_cap",
	"f21": "float_cap",
}

// ListConfig controls the universe snapshot fetch.
type ListConfig struct {
	BaseURL  string
	PageSize int
}

// ListAdapter snapshots the full A-share stock list once per run. Each
// record is keyed (code, date), so one snapshot per trading day survives
// and re-runs deduplicate.
type ListAdapter struct {
	cfg   ListConfig
	clock crawl.Clock
}

// NewList builds a ListAdapter.
func NewList(cfg ListConfig, clock crawl.Clock) *ListAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultListURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	return &ListAdapter{cfg: cfg, clock: clock}
}

// ID returns the source identifier.
func (a *ListAdapter) ID() crawl.SourceID {
	return ListSourceID
}

// PlanTasks always plans one snapshot fetch; the page size is large
// enough to cover the whole board in a single request.
func (a *ListAdapter) PlanTasks(_ context.Context, _ crawl.Checkpoint) ([]crawl.CrawlTask, error) {
	params := url.Values{}
	params.Set("pn", "1")
	params.Set("pz", fmt.Sprintf("%d", a.cfg.PageSize))
	params.Set("po", "1")
	params.Set("np", "1")
	params.Set("fltt", "2")
	params.Set("invt", "2")
	params.Set("fid", "f3")
	params.Set("fs", listMarkets)
	params.Set("fields", "f2,f3,f5,f6,f8,f12,f14,f15,f16,f17,f18,f20,f21")

	return []crawl.CrawlTask{{
		SourceID:  ListSourceID,
		Target:    a.cfg.BaseURL + "?" + params.Encode(),
		CreatedAt: a.clock.Now(),
	}}, nil
}

type clistPayload struct {
	Data struct {
		Total int              `json:"total"`
		Diff  []map[string]any `json:"diff"`
	} `json:"data"`
}

// Extract parses the quote snapshot into one record per listed stock,
// stamped with the fetch date.
func (a *ListAdapter) Extract(response crawl.FetchResponse) ([]crawl.RawRecord, error) {
	body, err := stripJSONP(response.Body)
	if err != nil {
		return nil, err
	}

	var payload clistPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode stock list payload: %w", err)
	}
	if len(payload.Data.Diff) == 0 {
		return nil, nil
	}

	fetchedAt := a.clock.Now()
	date := fetchedAt.Format("2006-01-02")
	records := make([]crawl.RawRecord, 0, len(payload.Data.Diff))
	for _, stock := range payload.Data.Diff {
		fields := map[string]any{
			"code": fmt.Sprint(stock["f12"]),
			"name": fmt.Sprint(stock["f14"]),
			"date": date,
		}
		for fcode, name := range clistFields {
			if value, ok := stock[fcode]; ok {
				fields[name] = value
			}
		}
		records = append(records, crawl.RawRecord{
			SourceID:  ListSourceID,
			Fields:    fields,
			FetchedAt: fetchedAt,
		})
	}
	return records, nil
}

// ListCleanerConfig declares the validation pipeline for snapshot
// records. Suspended stocks report "-" for their quote fields, which
// repair to zero.
func ListCleanerConfig() clean.Config {
	rules := []clean.FieldRule{
		{Field: "code", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.TrimSpace, Assert: clean.NonEmpty},
		{Field: "date", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.Chain(clean.TrimSpace, clean.ToISODate("2006-01-02"))},
		{Field: "name", Missing: clean.StrategyCarryForward, Normalize: clean.TrimSpace},
	}
	for _, name := range clistFields {
		rules = append(rules, clean.FieldRule{
			Field: name, Missing: clean.StrategyDefault, Default: float64(0), Normalize: clean.ToFloat,
		})
	}
	return clean.Config{
		KeyFields:       []string{"code", "date"},
		CheckpointField: "date",
		Rules:           rules,
	}
}

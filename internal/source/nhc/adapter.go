// Package nhc adapts the National Health Commission publication lists:
// static HTML pages whose entries carry a title, a link, and a date, with
// an optional follow-up fetch of each publication's detail page.
package nhc

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/ZihanQ/intelligent-data-crawler/internal/clean"
	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// SourceID identifies this adapter.
const SourceID = crawl.SourceID("nhc")

const (
	// listItemLimit bounds how many entries one list page contributes;
	// NHC list pages repeat older entries far down the page.
	listItemLimit = 20
	// detailLimit bounds how many detail pages one run follows up on.
	detailLimit = 20
	// summaryRunes is how much of the article body the summary keeps.
	summaryRunes = 200
)

// Category is one publication list to track.
type Category struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// Config lists the categories to crawl. Details enables the follow-up
// fetch of each publication's article page.
type Config struct {
	Categories []Category
	Details    bool
}

// RecordLister reads back committed records so planning can find
// publications that still lack detail content.
type RecordLister interface {
	ListRecords(ctx context.Context, source crawl.SourceID) ([]crawl.CleanRecord, error)
}

// Adapter implements crawl.SourceAdapter for NHC publication lists.
// Detail pages carry no title or date of their own, so the adapter
// remembers the committed list fields for each planned detail URL and
// merges them back in during extraction. Extracted detail content is
// also merged into later list extractions, keeping refetched list
// entries identical to their enriched stored records.
type Adapter struct {
	cfg        Config
	categories map[string]string
	clock      crawl.Clock
	records    RecordLister

	mu         sync.Mutex
	detailMeta map[string]map[string]any
	enriched   map[string]map[string]any
}

// New builds an Adapter. records may be nil when details are disabled.
func New(cfg Config, clock crawl.Clock, records RecordLister) (*Adapter, error) {
	if len(cfg.Categories) == 0 {
		return nil, fmt.Errorf("at least one category is required")
	}
	if cfg.Details && records == nil {
		return nil, fmt.Errorf("details require a record lister")
	}
	byURL := make(map[string]string, len(cfg.Categories))
	for _, c := range cfg.Categories {
		if c.Name == "" || c.URL == "" {
			return nil, fmt.Errorf("category needs both name and url")
		}
		byURL[c.URL] = c.Name
	}
	return &Adapter{
		cfg:        cfg,
		categories: byURL,
		clock:      clock,
		records:    records,
		detailMeta: make(map[string]map[string]any),
		enriched:   make(map[string]map[string]any),
	}, nil
}

// ID returns the source identifier.
func (a *Adapter) ID() crawl.SourceID {
	return SourceID
}

// PlanTasks fetches every category list page, plus detail pages for
// committed publications that still lack a summary. Entries older than
// the checkpoint deduplicate at commit time, so list pages are always
// safe to refetch.
func (a *Adapter) PlanTasks(ctx context.Context, _ crawl.Checkpoint) ([]crawl.CrawlTask, error) {
	now := a.clock.Now()
	tasks := make([]crawl.CrawlTask, 0, len(a.cfg.Categories))
	for _, c := range a.cfg.Categories {
		tasks = append(tasks, crawl.CrawlTask{
			SourceID:  SourceID,
			Target:    c.URL,
			CreatedAt: now,
		})
	}
	if !a.cfg.Details {
		return tasks, nil
	}

	committed, err := a.records.ListRecords(ctx, SourceID)
	if err != nil {
		return nil, fmt.Errorf("list committed records: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	planned := 0
	for _, rec := range committed {
		if planned >= detailLimit {
			break
		}
		target, _ := rec.Fields["url"].(string)
		if target == "" || rec.Fields["summary"] != nil {
			continue
		}
		if _, done := a.enriched[target]; done {
			continue
		}
		a.detailMeta[target] = map[string]any{
			"title":     rec.Fields["title"],
			"url":       target,
			"published": rec.Fields["published"],
			"category":  rec.Fields["category"],
		}
		tasks = append(tasks, crawl.CrawlTask{
			SourceID:  SourceID,
			Target:    target,
			CreatedAt: now,
		})
		planned++
	}
	return tasks, nil
}

// Extract parses either a publication list page or a detail page,
// depending on what was planned for the target.
func (a *Adapter) Extract(response crawl.FetchResponse) ([]crawl.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(response.Body))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	if _, isCategory := a.categories[response.Target]; isCategory {
		return a.extractList(doc, response.Target)
	}
	return a.extractDetail(doc, response.Target)
}

func (a *Adapter) extractList(doc *goquery.Document, target string) ([]crawl.RawRecord, error) {
	base, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse list url: %w", err)
	}
	category := a.categories[target]

	fetchedAt := a.clock.Now()
	var records []crawl.RawRecord
	doc.Find("ul.zxxx_list li").EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if len(records) >= listItemLimit {
			return false
		}
		link := item.Find("a").First()
		if link.Length() == 0 {
			return true
		}
		href, _ := link.Attr("href")
		entry := absoluteURL(base, href)
		fields := map[string]any{
			"title":     strings.TrimSpace(link.Text()),
			"url":       entry,
			"published": strings.TrimSpace(item.Find("span.ml").First().Text()),
			"category":  category,
		}
		a.mu.Lock()
		for name, value := range a.enriched[entry] {
			fields[name] = value
		}
		a.mu.Unlock()
		records = append(records, crawl.RawRecord{
			SourceID:  SourceID,
			Fields:    fields,
			FetchedAt: fetchedAt,
		})
		return true
	})
	return records, nil
}

func (a *Adapter) extractDetail(doc *goquery.Document, target string) ([]crawl.RawRecord, error) {
	a.mu.Lock()
	meta, planned := a.detailMeta[target]
	a.mu.Unlock()
	if !planned {
		return nil, fmt.Errorf("unplanned detail page %s", target)
	}

	content := doc.Find("div.con").First()
	if content.Length() == 0 {
		content = doc.Find("div.content").First()
	}
	if content.Length() == 0 {
		return nil, fmt.Errorf("detail page %s has no article body", target)
	}

	text := strings.TrimSpace(content.Text())
	summary := text
	if runes := []rune(text); len(runes) > summaryRunes {
		summary = string(runes[:summaryRunes]) + "..."
	}
	enrichment := map[string]any{
		"summary":        summary,
		"content_length": len([]rune(text)),
		"table_count":    content.Find("table").Length(),
	}

	fields := make(map[string]any, len(meta)+len(enrichment))
	for name, value := range meta {
		fields[name] = value
	}
	for name, value := range enrichment {
		fields[name] = value
	}

	a.mu.Lock()
	a.enriched[target] = enrichment
	delete(a.detailMeta, target)
	a.mu.Unlock()

	return []crawl.RawRecord{{
		SourceID:  SourceID,
		Fields:    fields,
		FetchedAt: a.clock.Now(),
	}}, nil
}

func absoluteURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// CleanerConfig declares the validation pipeline for publication records.
// Dates arrive as 2024-01-10, sometimes wrapped in parentheses. Detail
// fields (summary, content_length, table_count) carry no rules and pass
// through as extracted.
func CleanerConfig() clean.Config {
	return clean.Config{
		KeyFields:       []string{"url"},
		CheckpointField: "published",
		Rules: []clean.FieldRule{
			{Field: "title", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.TrimSpace, Assert: clean.NonEmpty},
			{Field: "url", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.TrimSpace, Assert: clean.NonEmpty},
			{Field: "published", Required: true, Missing: clean.StrategyDropRecord, Normalize: clean.Chain(stripParens, clean.ToISODate("2006-01-02", "2006/01/02", "2006.01.02"))},
			{Field: "category", Missing: clean.StrategyCarryForward, Normalize: clean.TrimSpace},
		},
	}
}

func stripParens(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "()（）")
	return strings.TrimSpace(s), nil
}

// Package detector provides block-page detection over fetched responses.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

var defaultKeywords = []string{
	"captcha",
	"access denied",
	"verify you are human",
	"unusual traffic",
	"request blocked",
	"请输入验证码",
	"访问验证",
}

// Heuristic implements crawl.BlockDetector using simple HTML signals:
// block-page keywords, challenge selectors, and suspicious status codes.
type Heuristic struct {
	keywords  [][]byte
	selectors []string
}

// NewHeuristic constructs a detector. Empty keyword lists fall back to
// a built-in set of common block-page phrases.
func NewHeuristic(keywords, selectors []string) *Heuristic {
	if len(keywords) == 0 {
		keywords = defaultKeywords
	}
	lowered := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowered = append(lowered, bytes.ToLower([]byte(kw)))
	}
	return &Heuristic{keywords: lowered, selectors: selectors}
}

// Blocked reports whether the response looks like a block or challenge
// page rather than content.
func (d *Heuristic) Blocked(response crawl.FetchResponse) bool {
	if d == nil {
		return false
	}
	switch {
	case response.StatusCode == http.StatusForbidden:
		return true
	case d.containsKeywords(response.Body):
		return true
	default:
		return d.matchesSelectors(response.Body)
	}
}

func (d *Heuristic) containsKeywords(body []byte) bool {
	if len(body) == 0 || len(d.keywords) == 0 {
		return false
	}
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lowerBody, kw) {
			return true
		}
	}
	return false
}

func (d *Heuristic) matchesSelectors(body []byte) bool {
	if len(d.selectors) == 0 || len(body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	for _, sel := range d.selectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

// Package clean normalizes raw records into typed clean records with a
// quality verdict.
package clean

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// Strategy names a missing-value policy for a field.
type Strategy string

// Missing-value strategies.
const (
	StrategyDropRecord   Strategy = "drop-record"
	StrategyCarryForward Strategy = "carry-forward"
	StrategyDefault      Strategy = "default-value"
)

// NormalizeFunc coerces a field value into its canonical form.
type NormalizeFunc func(value any) (any, error)

// AssertFunc checks a constraint on an already-normalized value.
type AssertFunc func(value any) error

// FieldRule declares how one field is normalized and validated. Rules run
// in declared order; a normalization is visible to later rules.
type FieldRule struct {
	Field     string
	Required  bool
	Missing   Strategy
	Default   any
	Normalize NormalizeFunc
	Assert    AssertFunc
}

// Config declares a source's cleaning pipeline.
type Config struct {
	// KeyFields compose the natural key, joined in order.
	KeyFields []string
	// CheckpointField names the field carrying the record's incremental
	// position (usually a date).
	CheckpointField string
	Rules           []FieldRule
}

// Cleaner applies an ordered rule pipeline to raw records. Validation is a
// pure function of (record, rules) except for the carry-forward memory,
// which only ever observes previously accepted values.
type Cleaner struct {
	cfg Config

	mu      sync.Mutex
	carried map[string]any
}

// New builds a Cleaner from the declared rules.
func New(cfg Config) *Cleaner {
	return &Cleaner{
		cfg:     cfg,
		carried: make(map[string]any),
	}
}

// Validate runs the pipeline and assigns a verdict. Rejected records carry
// a note citing the failing rule and are never persisted by callers.
func (c *Cleaner) Validate(raw crawl.RawRecord) crawl.CleanRecord {
	fields := make(map[string]any, len(raw.Fields))
	for k, v := range raw.Fields {
		fields[k] = v
	}

	var (
		notes    []string
		repaired bool
		rejected bool
	)

	for _, rule := range c.cfg.Rules {
		value, present := fields[rule.Field]
		if !present || value == nil {
			filled, note, reject := c.fillMissing(rule)
			if reject {
				notes = append(notes, note)
				rejected = true
				continue
			}
			if note == "" {
				continue
			}
			notes = append(notes, note)
			repaired = true
			fields[rule.Field] = filled
			value = filled
		}

		if rule.Normalize != nil {
			normalized, err := rule.Normalize(value)
			if err != nil {
				if outcome := c.repairOrReject(rule, fields, value, err, &notes); outcome == verdictRejected {
					rejected = true
				} else {
					repaired = true
				}
				continue
			}
			fields[rule.Field] = normalized
			value = normalized
		}

		if rule.Assert != nil {
			if err := rule.Assert(value); err != nil {
				if outcome := c.repairOrReject(rule, fields, value, err, &notes); outcome == verdictRejected {
					rejected = true
				} else {
					repaired = true
				}
			}
		}
	}

	record := crawl.CleanRecord{
		SourceID:  raw.SourceID,
		Fields:    fields,
		Notes:     notes,
		FetchedAt: raw.FetchedAt,
	}

	switch {
	case rejected:
		record.Verdict = crawl.VerdictRejected
	case repaired:
		record.Verdict = crawl.VerdictRepaired
	default:
		record.Verdict = crawl.VerdictAccepted
	}

	if record.Verdict != crawl.VerdictRejected {
		key, err := c.naturalKey(fields)
		if err != nil {
			record.Verdict = crawl.VerdictRejected
			record.Notes = append(record.Notes, err.Error())
		} else {
			record.NaturalKey = key
			record.CheckpointValue = c.checkpointValue(fields)
			c.remember(fields)
		}
	}
	return record
}

const (
	verdictRejected = "rejected"
	verdictRepaired = "repaired"
)

// fillMissing resolves an absent value per the rule's strategy. It returns
// the fill value, a note ("" when the field simply stays absent), and
// whether the record must be rejected.
func (c *Cleaner) fillMissing(rule FieldRule) (any, string, bool) {
	switch rule.Missing {
	case StrategyCarryForward:
		c.mu.Lock()
		carried, ok := c.carried[rule.Field]
		c.mu.Unlock()
		if ok {
			return carried, fmt.Sprintf("%s: missing, carried forward %v", rule.Field, carried), false
		}
		if rule.Default != nil {
			return rule.Default, fmt.Sprintf("%s: missing, defaulted to %v", rule.Field, rule.Default), false
		}
	case StrategyDefault:
		if rule.Default != nil {
			return rule.Default, fmt.Sprintf("%s: missing, defaulted to %v", rule.Field, rule.Default), false
		}
	}
	if rule.Required {
		return nil, fmt.Sprintf("%s: missing required value", rule.Field), true
	}
	return nil, "", false
}

// repairOrReject handles a normalization or assertion failure. Required
// fields reject the record; optional ones are defaulted (REPAIRED) or
// dropped from the record.
func (c *Cleaner) repairOrReject(rule FieldRule, fields map[string]any, original any, cause error, notes *[]string) string {
	if rule.Required {
		*notes = append(*notes, fmt.Sprintf("%s: %v (got %v)", rule.Field, cause, original))
		return verdictRejected
	}
	if rule.Default != nil {
		fields[rule.Field] = rule.Default
		*notes = append(*notes, fmt.Sprintf("%s: %v, replaced %v with %v", rule.Field, cause, original, rule.Default))
		return verdictRepaired
	}
	delete(fields, rule.Field)
	*notes = append(*notes, fmt.Sprintf("%s: %v, dropped value %v", rule.Field, cause, original))
	return verdictRepaired
}

func (c *Cleaner) naturalKey(fields map[string]any) (string, error) {
	parts := make([]string, 0, len(c.cfg.KeyFields))
	for _, field := range c.cfg.KeyFields {
		value, ok := fields[field]
		if !ok || value == nil {
			return "", &crawl.ValidationError{Rule: field, Reason: "natural key field missing"}
		}
		parts = append(parts, fmt.Sprint(value))
	}
	return strings.Join(parts, ":"), nil
}

func (c *Cleaner) checkpointValue(fields map[string]any) string {
	if c.cfg.CheckpointField == "" {
		return ""
	}
	value, ok := fields[c.cfg.CheckpointField]
	if !ok || value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

// remember records carry-forward candidates from a non-rejected record.
func (c *Cleaner) remember(fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rule := range c.cfg.Rules {
		if rule.Missing != StrategyCarryForward {
			continue
		}
		if value, ok := fields[rule.Field]; ok && value != nil {
			c.carried[rule.Field] = value
		}
	}
}

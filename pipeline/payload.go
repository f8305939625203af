// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PayloadExtractor provides utilities for extracting typed fields from opaque
// record payloads. The Validator uses it for rule evaluation and the Sync
// Engine uses it to build the projected authoritative row.
type PayloadExtractor struct {
	data map[string]any
}

// NewPayloadExtractor creates a new PayloadExtractor from JSON payload bytes.
func NewPayloadExtractor(payload []byte) (*PayloadExtractor, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if m == nil {
		// "null" unmarshals cleanly into a nil map.
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return &PayloadExtractor{data: m}, nil
}

// NewPayloadExtractorFromMap creates a new PayloadExtractor from an existing map.
func NewPayloadExtractorFromMap(data map[string]any) *PayloadExtractor {
	return &PayloadExtractor{data: data}
}

// StrField extracts a nullable string from the payload.
// Returns nil if the field is missing, null, or not a string.
func (p *PayloadExtractor) StrField(key string) *string {
	if v, ok := p.data[key]; ok && v != nil {
		if s, ok2 := v.(string); ok2 {
			return &s
		}
	}
	return nil
}

// Int64Field extracts a nullable int64 from the payload. Only whole JSON
// numbers qualify; 2.5 is not an integer and numeric strings are not coerced.
func (p *PayloadExtractor) Int64Field(key string) *int64 {
	if v, ok := p.data[key]; ok && v != nil {
		if f, ok2 := v.(float64); ok2 && f == float64(int64(f)) {
			n := int64(f)
			return &n
		}
	}
	return nil
}

// Float64Field extracts a nullable float64 from the payload.
// Returns nil if the field is missing, null, or not a JSON number.
func (p *PayloadExtractor) Float64Field(key string) *float64 {
	if v, ok := p.data[key]; ok && v != nil {
		if f, ok2 := v.(float64); ok2 {
			return &f
		}
	}
	return nil
}

// DecimalField extracts a nullable decimal from the payload. Money fields go
// through decimal to keep tolerance comparisons exact.
func (p *PayloadExtractor) DecimalField(key string) *decimal.Decimal {
	if v, ok := p.data[key]; ok && v != nil {
		switch t := v.(type) {
		case float64:
			d := decimal.NewFromFloat(t)
			return &d
		case string:
			if d, err := decimal.NewFromString(t); err == nil {
				return &d
			}
		}
	}
	return nil
}

// TimeField extracts a nullable timestamp from the payload. Accepts RFC 3339
// strings with or without timezone offset.
func (p *PayloadExtractor) TimeField(key string) *time.Time {
	s := p.StrField(key)
	if s == nil {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, *s); err == nil {
			return &ts
		}
	}
	return nil
}

// HasField checks if a field exists in the payload (even if it's null).
func (p *PayloadExtractor) HasField(key string) bool {
	_, ok := p.data[key]
	return ok
}

// Raw returns the raw decoded value for a field.
func (p *PayloadExtractor) Raw(key string) (any, bool) {
	v, ok := p.data[key]
	return v, ok
}

// Keys returns every field name present in the payload.
func (p *PayloadExtractor) Keys() []string {
	keys := make([]string, 0, len(p.data))
	for k := range p.data {
		keys = append(keys, k)
	}
	return keys
}

// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPayloadExtractorRejectsNonObjects(t *testing.T) {
	for _, payload := range []string{`[1,2]`, `"hello"`, `42`, `null`, `not json`, ``} {
		_, err := NewPayloadExtractor([]byte(payload))
		require.Error(t, err, payload)
		// "null" unmarshals without error into a nil map; the message must
		// not wrap a nil error.
		assert.NotContains(t, err.Error(), "%!w", payload)
	}
}

func TestPayloadExtractorFieldAccess(t *testing.T) {
	p, err := NewPayloadExtractor([]byte(`{
		"name": "Widget",
		"count": 3,
		"price": 9.99,
		"ratio": 2.5,
		"empty": null,
		"when": "2025-06-01T10:30:00Z"
	}`))
	require.NoError(t, err)

	require.NotNil(t, p.StrField("name"))
	assert.Equal(t, "Widget", *p.StrField("name"))
	assert.Nil(t, p.StrField("count"))
	assert.Nil(t, p.StrField("empty"))
	assert.Nil(t, p.StrField("missing"))

	require.NotNil(t, p.Int64Field("count"))
	assert.Equal(t, int64(3), *p.Int64Field("count"))
	assert.Nil(t, p.Int64Field("ratio"), "2.5 is not a whole number")
	assert.Nil(t, p.Int64Field("name"), "numeric strings are not coerced")

	require.NotNil(t, p.Float64Field("price"))
	assert.InDelta(t, 9.99, *p.Float64Field("price"), 1e-9)
	assert.NotNil(t, p.Float64Field("count"))

	require.NotNil(t, p.TimeField("when"))
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), p.TimeField("when").UTC())
	assert.Nil(t, p.TimeField("name"))

	assert.True(t, p.HasField("empty"), "null fields still exist")
	assert.False(t, p.HasField("missing"))
	assert.Len(t, p.Keys(), 6)
}

func TestPayloadExtractorDecimalField(t *testing.T) {
	p, err := NewPayloadExtractor([]byte(`{"a": 9.99, "b": "12.50", "c": "abc"}`))
	require.NoError(t, err)

	require.NotNil(t, p.DecimalField("a"))
	assert.Equal(t, "9.99", p.DecimalField("a").String())
	require.NotNil(t, p.DecimalField("b"))
	assert.Equal(t, "12.5", p.DecimalField("b").String())
	assert.Nil(t, p.DecimalField("c"))
}

func TestPayloadExtractorTimeFormats(t *testing.T) {
	p := NewPayloadExtractorFromMap(map[string]any{
		"rfc3339":     "2025-06-01T10:30:00Z",
		"nano":        "2025-06-01T10:30:00.123456789Z",
		"no_zone":     "2025-06-01T10:30:00",
		"date_only":   "2025-06-01",
		"unsupported": "01/06/2025",
	})
	assert.NotNil(t, p.TimeField("rfc3339"))
	assert.NotNil(t, p.TimeField("nano"))
	assert.NotNil(t, p.TimeField("no_zone"))
	assert.NotNil(t, p.TimeField("date_only"))
	assert.Nil(t, p.TimeField("unsupported"))
}

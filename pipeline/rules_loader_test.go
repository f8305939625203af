// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ordersRuleYAML = `
rule_sets:
  - name: orders
    allow_extra_fields: true
    fields:
      - field: order_id
        kind: string
        required: true
        pattern: "^O[0-9]+$"
      - field: amount
        kind: number
        required: true
        min: 0.01
    target:
      table: analytics.orders_fact
      key: order_id
      fields: [order_id, amount]
`

func writeRuleFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRuleSets(t *testing.T) {
	sets, err := LoadRuleSets(writeRuleFile(t, ordersRuleYAML))
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "orders", sets[0].Name)
	assert.Equal(t, "order_id", sets[0].KeyField())

	// Compiled: patterns are live.
	failures, _ := sets[0].Evaluate(NewPayloadExtractorFromMap(map[string]any{
		"order_id": "X1", "amount": 5.0,
	}))
	require.Len(t, failures, 1)
	assert.Equal(t, KindPatternMismatch, failures[0].Kind)
}

func TestLoadRuleSetsErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRuleSets(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
	t.Run("not yaml", func(t *testing.T) {
		_, err := LoadRuleSets(writeRuleFile(t, "{{{"))
		assert.Error(t, err)
	})
	t.Run("empty", func(t *testing.T) {
		_, err := LoadRuleSets(writeRuleFile(t, "rule_sets: []"))
		assert.Error(t, err)
	})
	t.Run("uncompilable", func(t *testing.T) {
		_, err := LoadRuleSets(writeRuleFile(t, `
rule_sets:
  - name: broken
    fields:
      - field: a
        kind: mystery
`))
		assert.Error(t, err)
	})
}

func TestRuleLoaderReplacesRegistry(t *testing.T) {
	registry := NewRuleRegistry(SalesRuleSet())
	require.NotNil(t, registry.Get("sales"))

	_, err := NewRuleLoader(writeRuleFile(t, ordersRuleYAML), registry, testLogger())
	require.NoError(t, err)

	// The file generation replaces the seeded sets wholesale.
	assert.Nil(t, registry.Get("sales"))
	assert.NotNil(t, registry.Get("orders"))
	assert.Equal(t, []string{"orders"}, registry.Names())
}

func TestRuleRegistryReplaceSwapsGenerations(t *testing.T) {
	registry := NewRuleRegistry(SalesRuleSet())

	next := SalesRuleSet()
	next.Name = "sales_v2"
	require.NoError(t, next.Compile())
	registry.Replace([]*RuleSet{next})

	assert.Nil(t, registry.Get("sales"))
	assert.NotNil(t, registry.Get("sales_v2"))
}

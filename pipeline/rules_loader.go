// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RuleRegistry holds the active rule sets keyed by record type. Reads are
// concurrent (both loops consult it); writes happen only on hot reload.
type RuleRegistry struct {
	mu   sync.RWMutex
	sets map[string]*RuleSet
}

// NewRuleRegistry creates a registry seeded with the given rule sets.
func NewRuleRegistry(sets ...*RuleSet) *RuleRegistry {
	r := &RuleRegistry{sets: make(map[string]*RuleSet, len(sets))}
	for _, rs := range sets {
		r.sets[rs.Name] = rs
	}
	return r
}

// Get returns the rule set for a record type, or nil if none is registered.
func (r *RuleRegistry) Get(name string) *RuleSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sets[name]
}

// Names returns the registered record types.
func (r *RuleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sets))
	for n := range r.sets {
		names = append(names, n)
	}
	return names
}

// Replace swaps in a full new generation of rule sets.
func (r *RuleRegistry) Replace(sets []*RuleSet) {
	next := make(map[string]*RuleSet, len(sets))
	for _, rs := range sets {
		next[rs.Name] = rs
	}
	r.mu.Lock()
	r.sets = next
	r.mu.Unlock()
}

type ruleFile struct {
	RuleSets []*RuleSet `yaml:"rule_sets"`
}

// LoadRuleSets reads and compiles rule sets from a YAML file.
func LoadRuleSets(path string) ([]*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file %s: %w", path, err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}
	if len(rf.RuleSets) == 0 {
		return nil, fmt.Errorf("rule file %s declares no rule sets", path)
	}
	for _, rs := range rf.RuleSets {
		if err := rs.Compile(); err != nil {
			return nil, err
		}
	}
	return rf.RuleSets, nil
}

// RuleLoader reads a rule file into a registry and optionally watches it for
// changes, hot-swapping the registry contents when the file is rewritten.
// An invalid rewrite is logged and skipped; the old rules stay active.
type RuleLoader struct {
	path     string
	registry *RuleRegistry
	logger   *slog.Logger
}

// NewRuleLoader performs the initial load into registry.
func NewRuleLoader(path string, registry *RuleRegistry, logger *slog.Logger) (*RuleLoader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sets, err := LoadRuleSets(path)
	if err != nil {
		return nil, err
	}
	registry.Replace(sets)
	return &RuleLoader{path: path, registry: registry, logger: logger}, nil
}

// Watch starts a background goroutine that reloads the rule file on change.
// Call the returned stop function to clean up.
func (l *RuleLoader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rule watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("rule watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					sets, err := LoadRuleSets(l.path)
					if err != nil {
						l.logger.Warn("rule reload skipped", "path", l.path, "error", err)
						continue
					}
					l.registry.Replace(sets)
					l.logger.Info("rule sets reloaded", "path", l.path, "count", len(sets))
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }, nil
}

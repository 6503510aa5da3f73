// Package rules is the relay node's routing/transform rule engine: it
// matches incoming signals against operator-configured rules and
// applies each matched rule's payload transform. Persistence (CRUD,
// match_count bookkeeping) lives in internal/store; this package is
// the pure matching/transform logic layered on top of it.
package rules

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/model"
)

// Store is the subset of *store.Store the rule engine needs.
type Store interface {
	MatchRules(ctx context.Context, signalType uint16) ([]model.RelayRule, error)
	IncrementMatchCount(ctx context.Context, ids []int64) error
	AddRule(ctx context.Context, r model.RelayRule) (int64, error)
	UpdateRule(ctx context.Context, r model.RelayRule) (bool, error)
	RemoveRule(ctx context.Context, id int64) (bool, error)
	ListRules(ctx context.Context) ([]model.RelayRule, error)
}

// ErrEmptyRelayTo is returned when a new rule names no relay targets.
var ErrEmptyRelayTo = fmt.Errorf("rules: relay_to must be non-empty")

// ErrMissingRuleID is returned when update/remove is called without a
// rule id.
var ErrMissingRuleID = fmt.Errorf("rules: rule_id is required")

// Engine matches signals against rules and applies their transforms.
type Engine struct {
	store  Store
	logger *zap.Logger

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp // source_filter -> compiled, "" entries never stored
	bad      map[string]bool           // source_filter known to fail to compile
}

// New builds a rule engine over a store.
func New(store Store, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		logger:   logger,
		compiled: make(map[string]*regexp.Regexp),
		bad:      make(map[string]bool),
	}
}

// Match returns every enabled rule whose signal_pattern equals
// signalType and whose source_filter (if any) matches sourceServer. An
// invalid regex is treated as no filter rather than excluding the rule.
// Only rules that satisfy both conditions have their match_count
// incremented — a rule whose source_filter excludes sourceServer is
// never counted as matched even though it shared the signal_pattern.
func (e *Engine) Match(ctx context.Context, signalType uint16, sourceServer string) ([]model.RelayRule, error) {
	candidates, err := e.store.MatchRules(ctx, signalType)
	if err != nil {
		return nil, fmt.Errorf("rules: match: %w", err)
	}

	var matched []model.RelayRule
	for _, r := range candidates {
		if r.SourceFilter == "" {
			matched = append(matched, r)
			continue
		}
		re := e.compile(r.SourceFilter)
		if re == nil || re.MatchString(sourceServer) {
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Priority > matched[j].Priority })

	if len(matched) > 0 {
		ids := make([]int64, len(matched))
		for i, r := range matched {
			ids[i] = r.ID
		}
		if err := e.store.IncrementMatchCount(ctx, ids); err != nil {
			e.logger.Error("rules: increment match_count failed", zap.Error(err))
		}
	}

	return matched, nil
}

// compile lazily compiles and caches a source filter. A regex that
// fails to compile is cached as bad and treated as no filter from then
// on, so a single malformed rule never re-pays the compile cost.
func (e *Engine) compile(pattern string) *regexp.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()

	if re, ok := e.compiled[pattern]; ok {
		return re
	}
	if e.bad[pattern] {
		return nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		e.logger.Warn("rules: invalid source_filter, treating as unfiltered", zap.String("pattern", pattern), zap.Error(err))
		e.bad[pattern] = true
		return nil
	}
	e.compiled[pattern] = re
	return re
}

// ApplyTransform produces a new payload by applying spec's entries to
// payload, one key at a time. Keys are applied in sorted order: a
// TransformSpec travels through JSON as an unordered object, so any
// notion of "insertion order" does not survive the round trip through
// internal/store — sorting gives every caller a deterministic,
// reproducible application order instead of Go's randomized map
// iteration.
func ApplyTransform(payload model.Payload, spec model.TransformSpec) model.Payload {
	out := payload.Clone()
	if len(spec) == 0 {
		return out
	}

	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := spec[k]
		if v == nil {
			delete(out, k)
			continue
		}

		if rename, ok := renameSource(v); ok {
			if src, present := out[rename]; present {
				out[k] = src
				delete(out, rename)
			}
			continue
		}

		out[k] = v
	}
	return out
}

// renameSource reports whether v has the shape {"rename": "<field>"}
// and, if so, returns the named source field.
func renameSource(v interface{}) (string, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return "", false
	}
	if len(m) != 1 {
		return "", false
	}
	raw, ok := m["rename"]
	if !ok {
		return "", false
	}
	name, ok := raw.(string)
	return name, ok
}

// ApplyAll applies every rule's transform to payload in the order the
// rules are given (callers pass Match's priority-desc result).
func ApplyAll(payload model.Payload, rules []model.RelayRule) model.Payload {
	out := payload
	for _, r := range rules {
		if len(r.Transform) > 0 {
			out = ApplyTransform(out, r.Transform)
		}
	}
	return out
}

// Add validates and persists a new rule.
func (e *Engine) Add(ctx context.Context, r model.RelayRule) (int64, error) {
	if len(r.RelayTo) == 0 {
		return 0, ErrEmptyRelayTo
	}
	return e.store.AddRule(ctx, r)
}

// Update validates and persists changes to an existing rule.
func (e *Engine) Update(ctx context.Context, r model.RelayRule) (bool, error) {
	if r.ID == 0 {
		return false, ErrMissingRuleID
	}
	return e.store.UpdateRule(ctx, r)
}

// Remove deletes a rule by id.
func (e *Engine) Remove(ctx context.Context, id int64) (bool, error) {
	if id == 0 {
		return false, ErrMissingRuleID
	}
	return e.store.RemoveRule(ctx, id)
}

// List returns every rule, enabled and disabled, priority-desc.
func (e *Engine) List(ctx context.Context) ([]model.RelayRule, error) {
	return e.store.ListRules(ctx)
}

// AutoRelayTargets returns the union of relay_to across every rule in
// matched, duplicates collapsed, order unspecified.
func AutoRelayTargets(matched []model.RelayRule) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range matched {
		for _, t := range r.RelayTo {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

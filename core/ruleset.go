package core

import (
	"sort"
	"sync"
)

// RuleSet is an immutable snapshot of the active rules, indexed by type and
// category. Build one with NewRuleSet and never mutate it afterwards;
// concurrent readers rely on that.
type RuleSet struct {
	rules      []*Rule
	byName     map[string]*Rule
	byType     map[RuleType][]*Rule
	byCategory map[string][]*Rule
	version    uint64
}

// NewRuleSet builds an indexed snapshot from the given rules. Disabled rules
// are kept in the name index (so lookups can explain why a rule is inert) but
// excluded from the evaluation indexes.
func NewRuleSet(rules []*Rule, version uint64) *RuleSet {
	rs := &RuleSet{
		rules:      rules,
		byName:     make(map[string]*Rule, len(rules)),
		byType:     make(map[RuleType][]*Rule),
		byCategory: make(map[string][]*Rule),
		version:    version,
	}
	for _, r := range rules {
		rs.byName[r.Name] = r
		if !r.Enabled {
			continue
		}
		rs.byType[r.Type] = append(rs.byType[r.Type], r)
		if r.Category != "" {
			rs.byCategory[r.Category] = append(rs.byCategory[r.Category], r)
		}
	}
	for _, typed := range rs.byType {
		sort.SliceStable(typed, func(i, j int) bool {
			if typed[i].Priority != typed[j].Priority {
				return typed[i].Priority > typed[j].Priority
			}
			return typed[i].Name < typed[j].Name
		})
	}
	return rs
}

// All returns every rule in the snapshot, enabled or not.
func (rs *RuleSet) All() []*Rule {
	return rs.rules
}

// ByName looks up a rule by its unique name.
func (rs *RuleSet) ByName(name string) (*Rule, bool) {
	r, ok := rs.byName[name]
	return r, ok
}

// ByType returns the enabled rules of the given type, highest priority first.
func (rs *RuleSet) ByType(t RuleType) []*Rule {
	return rs.byType[t]
}

// ByCategory returns the enabled rules in the given category.
func (rs *RuleSet) ByCategory(category string) []*Rule {
	return rs.byCategory[category]
}

// Version returns the snapshot's monotonically increasing version number.
func (rs *RuleSet) Version() uint64 {
	return rs.version
}

// Len returns the number of rules in the snapshot.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// RuleStore holds the active RuleSet and supports atomic replacement.
// Readers always observe a fully-old or fully-new snapshot, never a mix.
type RuleStore struct {
	mu      sync.RWMutex
	current *RuleSet
	version uint64
}

// NewRuleStore creates a store seeded with an empty rule set.
func NewRuleStore() *RuleStore {
	return &RuleStore{current: NewRuleSet(nil, 0)}
}

// Active returns the current rule set snapshot.
func (s *RuleStore) Active() *RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Replace installs a new rule set built from rules, bumping the version.
// It returns the installed snapshot.
func (s *RuleStore) Replace(rules []*Rule) *RuleSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	s.current = NewRuleSet(rules, s.version)
	return s.current
}

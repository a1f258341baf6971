package analyze

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"vigil/core"
)

const (
	regexCacheSize = 512
	regexTimeout   = 100 * time.Millisecond
)

// Matcher evaluates events against rule match conditions. Evaluation is pure
// with respect to the event and rule; the only internal state is a cache of
// compiled regex patterns.
type Matcher struct {
	regexCache *lru.Cache[string, *regexp2.Regexp]
	logger     *zap.SugaredLogger
}

// NewMatcher creates a matcher.
func NewMatcher(logger *zap.SugaredLogger) *Matcher {
	cache, _ := lru.New[string, *regexp2.Regexp](regexCacheSize)
	return &Matcher{
		regexCache: cache,
		logger:     logger,
	}
}

// Matches reports whether every condition of the rule holds for the event
// (logical AND). Malformed operands make the individual condition false, not
// an error; ingestion never fails because one rule is bad.
func (m *Matcher) Matches(event *core.Event, rule *core.Rule) bool {
	for i := range rule.Match {
		if !m.evalCondition(event, rule, &rule.Match[i]) {
			return false
		}
	}
	return true
}

func (m *Matcher) evalCondition(event *core.Event, rule *core.Rule, cond *core.MatchCondition) bool {
	value, present := event.FieldValue(cond.Field)

	switch cond.Operator {
	case core.OpExists:
		return present
	case core.OpNotExists:
		return !present
	case core.OpNe:
		// A missing field is by definition not equal.
		if !present {
			return true
		}
		return !looseEqual(value, cond.Value)
	}

	// A missing path yields no value, which fails all remaining operators.
	if !present {
		return false
	}

	switch cond.Operator {
	case core.OpEq:
		return looseEqual(value, cond.Value)
	case core.OpGt, core.OpLt, core.OpGte, core.OpLte:
		return compareNumeric(value, cond.Value, cond.Operator)
	case core.OpIn:
		return inSet(value, cond.Value)
	case core.OpNotIn:
		return !inSet(value, cond.Value)
	case core.OpContains:
		return strings.Contains(toString(value), toString(cond.Value))
	case core.OpNotContains:
		return !strings.Contains(toString(value), toString(cond.Value))
	case core.OpRegex:
		return m.matchRegex(value, cond, rule)
	case core.OpIPInRange:
		return ipInRange(value, cond, rule, m.logger)
	default:
		m.logger.Debugw("Unknown operator in condition",
			"rule", rule.Name, "operator", cond.Operator)
		return false
	}
}

func (m *Matcher) matchRegex(value interface{}, cond *core.MatchCondition, rule *core.Rule) bool {
	pattern := toString(cond.Value)
	cacheKey := pattern
	if !cond.CaseSensitive {
		cacheKey = "(?i)" + pattern
	}

	re, ok := m.regexCache.Get(cacheKey)
	if !ok {
		var opts regexp2.RegexOptions = regexp2.RE2
		if !cond.CaseSensitive {
			opts |= regexp2.IgnoreCase
		}
		var err error
		re, err = regexp2.Compile(pattern, opts)
		if err != nil {
			m.logger.Debugw("Malformed regex in rule condition",
				"rule", rule.Name, "pattern", pattern, "error", err)
			return false
		}
		re.MatchTimeout = regexTimeout
		m.regexCache.Add(cacheKey, re)
	}

	matched, err := re.MatchString(toString(value))
	if err != nil {
		m.logger.Debugw("Regex evaluation failed",
			"rule", rule.Name, "pattern", pattern, "error", err)
		return false
	}
	return matched
}

func ipInRange(value interface{}, cond *core.MatchCondition, rule *core.Rule, logger *zap.SugaredLogger) bool {
	ip := net.ParseIP(toString(value))
	if ip == nil {
		logger.Debugw("Invalid IP in event field",
			"rule", rule.Name, "field", cond.Field, "value", value)
		return false
	}

	// The rule value may be a single CIDR or a list of them.
	for _, cidr := range toStringSlice(cond.Value) {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Debugw("Invalid CIDR in rule condition",
				"rule", rule.Name, "cidr", cidr, "error", err)
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// looseEqual compares values after normalizing numbers and strings, so a
// YAML-sourced 443 matches an event's int 443 or string "443".
func looseEqual(a, b interface{}) bool {
	if fa, okA := toFloat(a); okA {
		if fb, okB := toFloat(b); okB {
			return fa == fb
		}
	}
	return toString(a) == toString(b)
}

func compareNumeric(a, b interface{}, op string) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if !okA || !okB {
		return false
	}
	switch op {
	case core.OpGt:
		return fa > fb
	case core.OpLt:
		return fa < fb
	case core.OpGte:
		return fa >= fb
	case core.OpLte:
		return fa <= fb
	}
	return false
}

func inSet(value interface{}, set interface{}) bool {
	for _, candidate := range toInterfaceSlice(set) {
		if looseEqual(value, candidate) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toInterfaceSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case []interface{}:
		return s
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case nil:
		return nil
	default:
		return []interface{}{v}
	}
}

func toStringSlice(v interface{}) []string {
	raw := toInterfaceSlice(v)
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		out = append(out, toString(e))
	}
	return out
}

package detect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"bastion/core"
)

// regexCache holds compiled patterns keyed by source text. Rules are few and
// long-lived, so unbounded growth is not a concern in practice.
var regexCache sync.Map

func compiledRegex(pattern string) (*regexp.Regexp, error) {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// EvalPredicate evaluates a predicate tree against an event. Missing fields
// never match (except not_equals, which treats absence as "not equal").
func EvalPredicate(p *core.Predicate, e *core.Event) bool {
	if p == nil {
		return true
	}
	if len(p.All) > 0 {
		for i := range p.All {
			if !EvalPredicate(&p.All[i], e) {
				return false
			}
		}
		return true
	}
	if len(p.Any) > 0 {
		for i := range p.Any {
			if EvalPredicate(&p.Any[i], e) {
				return true
			}
		}
		return false
	}
	return evalLeaf(p, e)
}

func evalLeaf(p *core.Predicate, e *core.Event) bool {
	actual := e.Field(p.Field)

	if actual == nil {
		return p.Op == core.OpNotEquals && p.Value != nil
	}

	switch p.Op {
	case core.OpEquals:
		return valuesEqual(actual, p.Value)
	case core.OpNotEquals:
		return !valuesEqual(actual, p.Value)
	case core.OpContains:
		return strings.Contains(toString(actual), toString(p.Value))
	case core.OpStartsWith:
		return strings.HasPrefix(toString(actual), toString(p.Value))
	case core.OpEndsWith:
		return strings.HasSuffix(toString(actual), toString(p.Value))
	case core.OpIn:
		return valueIn(actual, p.Value)
	case core.OpGreaterThan, core.OpGreaterOrEq, core.OpLessThan, core.OpLessOrEq:
		return compareNumeric(actual, p.Value, p.Op)
	case core.OpRegex:
		re, err := compiledRegex(toString(p.Value))
		if err != nil {
			return false
		}
		return re.MatchString(toString(actual))
	default:
		return false
	}
}

// valuesEqual compares loosely: numeric values compare as float64, everything
// else falls back to string comparison. Events arrive from JSON, where all
// numbers are float64, while rule values may be ints from YAML.
func valuesEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return toString(a) == toString(b)
}

func valueIn(actual, list interface{}) bool {
	switch vs := list.(type) {
	case []interface{}:
		for _, v := range vs {
			if valuesEqual(actual, v) {
				return true
			}
		}
	case []string:
		s := toString(actual)
		for _, v := range vs {
			if s == v {
				return true
			}
		}
	}
	return false
}

func compareNumeric(actual, expected interface{}, op string) bool {
	af, aok := toFloat(actual)
	bf, bok := toFloat(expected)
	if !aok || !bok {
		return false
	}
	switch op {
	case core.OpGreaterThan:
		return af > bf
	case core.OpGreaterOrEq:
		return af >= bf
	case core.OpLessThan:
		return af < bf
	case core.OpLessOrEq:
		return af <= bf
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
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

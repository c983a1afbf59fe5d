package vectordb

import "strings"

// matchFilter evaluates a compiled wire filter against one record. An
// empty filter matches everything. pathFields names the path-typed
// fields, which get hierarchy matching on must conds.
func matchFilter(rec Record, f map[string]any, pathFields map[string]bool) bool {
	if len(f) == 0 {
		return true
	}
	op, _ := f["op"].(string)
	switch op {
	case "and":
		for _, cond := range asFilterList(f["conds"]) {
			if !matchFilter(rec, cond, pathFields) {
				return false
			}
		}
		return true
	case "or":
		conds := asFilterList(f["conds"])
		for _, cond := range conds {
			if matchFilter(rec, cond, pathFields) {
				return true
			}
		}
		return len(conds) == 0
	case "must":
		return matchMust(rec, f, pathFields)
	case "must_not":
		return !matchMust(rec, f, pathFields)
	case "range":
		return matchRange(rec, f)
	case "contains":
		field, _ := f["field"].(string)
		substring, _ := f["substring"].(string)
		value, ok := rec[field].(string)
		return ok && strings.Contains(value, substring)
	case "prefix":
		field, _ := f["field"].(string)
		prefix, _ := f["prefix"].(string)
		value, ok := rec[field].(string)
		return ok && prefixMatches(value, prefix)
	default:
		// Unknown ops match nothing rather than everything.
		return false
	}
}

func asFilterList(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func matchMust(rec Record, f map[string]any, pathFields map[string]bool) bool {
	field, _ := f["field"].(string)
	value, present := rec[field]
	if !present {
		return false
	}
	conds, ok := f["conds"].([]any)
	if !ok {
		return false
	}
	isPath := pathFields[field]
	for _, cond := range conds {
		if isPath {
			vs, vok := value.(string)
			cs, cok := cond.(string)
			if vok && cok && pathCondMatches(vs, cs) {
				return true
			}
			continue
		}
		if valueEquals(value, cond) {
			return true
		}
	}
	return false
}

// pathCondMatches applies hierarchy semantics: a cond ending in "/"
// matches everything strictly under it, any other cond matches exactly.
func pathCondMatches(value, cond string) bool {
	if strings.HasSuffix(cond, "/") {
		return strings.HasPrefix(value, cond)
	}
	return value == cond
}

// prefixMatches is descendant-or-self membership.
func prefixMatches(value, prefix string) bool {
	if prefix == "" {
		return false
	}
	if strings.HasSuffix(prefix, "/") {
		return value == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(value, prefix)
	}
	return value == prefix || strings.HasPrefix(value, prefix+"/")
}

func matchRange(rec Record, f map[string]any) bool {
	field, _ := f["field"].(string)
	value, present := rec[field]
	if !present {
		return false
	}
	check := func(bound any, cmp func(int) bool) bool {
		if bound == nil {
			return true
		}
		c, ok := compareValues(value, bound)
		return ok && cmp(c)
	}
	return check(f["gte"], func(c int) bool { return c >= 0 }) &&
		check(f["gt"], func(c int) bool { return c > 0 }) &&
		check(f["lte"], func(c int) bool { return c <= 0 }) &&
		check(f["lt"], func(c int) bool { return c < 0 })
}

// compareValues orders two scalars: numerically when both coerce, else
// lexicographically for strings. RFC 3339 timestamps sort correctly as
// strings.
func compareValues(a, b any) (int, bool) {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func valueEquals(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

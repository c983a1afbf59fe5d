// Package filter defines the backend-neutral filter expression AST and
// its compilation to the vector-store wire DSL. The AST is a closed sum:
// every variant implements the sealed Expr interface, and Compile
// rejects anything else.
package filter

import (
	"time"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

// Expr is a filter expression node. The interface is sealed; the only
// implementations are the variants in this package.
type Expr interface {
	isExpr()
}

// And matches records satisfying every condition.
type And struct {
	Conds []Expr
}

// Or matches records satisfying at least one condition.
type Or struct {
	Conds []Expr
}

// Eq matches records whose field equals the value.
type Eq struct {
	Field string
	Value any
}

// In matches records whose field equals any of the values. On
// path-typed fields a value ending in "/" matches everything strictly
// under that prefix.
type In struct {
	Field  string
	Values []any
}

// Prefix matches records whose path field equals the value or lies
// under it.
type Prefix struct {
	Field string
	Value string
}

// Range matches records whose field lies within the given bounds. Nil
// bounds are omitted from the compiled form.
type Range struct {
	Field string
	GTE   any
	GT    any
	LTE   any
	LT    any
}

// Contains matches records whose field contains the substring.
type Contains struct {
	Field     string
	Substring string
}

// TimeRange matches records whose field lies in [Start, End). Zero
// times are omitted.
type TimeRange struct {
	Field string
	Start time.Time
	End   time.Time
}

// RawDSL passes a pre-built wire filter through unchanged.
type RawDSL struct {
	Payload map[string]any
}

func (And) isExpr()       {}
func (Or) isExpr()        {}
func (Eq) isExpr()        {}
func (In) isExpr()        {}
func (Prefix) isExpr()    {}
func (Range) isExpr()     {}
func (Contains) isExpr()  {}
func (TimeRange) isExpr() {}
func (RawDSL) isExpr()    {}

// Strings builds the []any value list In wants from plain strings.
func Strings(values ...string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Compile lowers an expression to the wire DSL. A nil expression and
// boolean nodes whose members all collapse compile to a nil map, which
// backends treat as "no filter". A single-member And/Or collapses to the
// member itself.
func Compile(expr Expr) (map[string]any, error) {
	if expr == nil {
		return nil, nil
	}
	switch e := expr.(type) {
	case RawDSL:
		return e.Payload, nil
	case And:
		return compileBool("and", e.Conds)
	case Or:
		return compileBool("or", e.Conds)
	case Eq:
		return map[string]any{"op": "must", "field": e.Field, "conds": []any{e.Value}}, nil
	case In:
		return map[string]any{"op": "must", "field": e.Field, "conds": append([]any(nil), e.Values...)}, nil
	case Prefix:
		return map[string]any{"op": "prefix", "field": e.Field, "prefix": e.Value}, nil
	case Range:
		payload := map[string]any{"op": "range", "field": e.Field}
		if e.GTE != nil {
			payload["gte"] = e.GTE
		}
		if e.GT != nil {
			payload["gt"] = e.GT
		}
		if e.LTE != nil {
			payload["lte"] = e.LTE
		}
		if e.LT != nil {
			payload["lt"] = e.LT
		}
		return payload, nil
	case Contains:
		return map[string]any{"op": "contains", "field": e.Field, "substring": e.Substring}, nil
	case TimeRange:
		payload := map[string]any{"op": "range", "field": e.Field}
		if !e.Start.IsZero() {
			payload["gte"] = e.Start.UTC().Format(time.RFC3339)
		}
		if !e.End.IsZero() {
			payload["lt"] = e.End.UTC().Format(time.RFC3339)
		}
		return payload, nil
	default:
		return nil, vkerr.New(vkerr.KindInvalidArgument, "unsupported filter expr type %T", expr)
	}
}

func compileBool(op string, conds []Expr) (map[string]any, error) {
	compiled := make([]any, 0, len(conds))
	for _, c := range conds {
		if c == nil {
			continue
		}
		m, err := Compile(c)
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			continue
		}
		compiled = append(compiled, m)
	}
	switch len(compiled) {
	case 0:
		return nil, nil
	case 1:
		return compiled[0].(map[string]any), nil
	default:
		return map[string]any{"op": op, "conds": compiled}, nil
	}
}

package service

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/rs/zerolog/log"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Namespace is what a query sees of one service: the attributes the service
// exposes through Attributer, overlaid with its registration properties.
type Namespace map[string]any

// Attributer is implemented by services that expose attributes to queries.
type Attributer interface {
	ServiceAttributes() map[string]any
}

func namespaceOf(svc any, props Properties) Namespace {
	ns := Namespace{}
	if a, ok := svc.(Attributer); ok {
		for k, v := range a.ServiceAttributes() {
			ns[k] = v
		}
	}
	for k, v := range props {
		ns[k] = v
	}
	return ns
}

// Query selects services.
type Query interface {
	Match(ns Namespace) (bool, error)
}

// QueryFunc adapts a function to Query.
type QueryFunc func(ns Namespace) (bool, error)

// Match calls f.
func (f QueryFunc) Match(ns Namespace) (bool, error) { return f(ns) }

// matches evaluates q over ns. Errors and panics count as "no match".
func matches(q Query, ns Namespace) (ok bool) {
	if q == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Interface("panic", r).Msg("service query panicked, treating as no match")
			ok = false
		}
	}()
	ok, err := q.Match(ns)
	if err != nil {
		log.Debug().Err(err).Msg("service query failed, treating as no match")
		return false
	}
	return ok
}

// exprQuery is a boolean HCL expression evaluated over a namespace, e.g.
// `language == "go" && priority > 3`.
type exprQuery struct {
	src  string
	expr hclsyntax.Expression
}

// Expr compiles src into a Query. Namespace entries become variables; keys
// that are not valid identifiers and values without a cty equivalent are
// left out, so expressions referring to them fail to match.
func Expr(src string) (Query, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "query", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuery, diags.Error())
	}
	return &exprQuery{src: src, expr: expr}, nil
}

// MustExpr is like Expr but panics if src does not parse.
func MustExpr(src string) Query {
	q, err := Expr(src)
	if err != nil {
		panic(err)
	}
	return q
}

func (q *exprQuery) String() string { return q.src }

func (q *exprQuery) Match(ns Namespace) (bool, error) {
	vars := make(map[string]cty.Value, len(ns))
	for k, v := range ns {
		if !hclsyntax.ValidIdentifier(k) {
			continue
		}
		cv, err := toCtyValue(v)
		if err != nil {
			log.Debug().Err(err).Str("key", k).Msg("query namespace value skipped")
			continue
		}
		vars[k] = cv
	}

	val, diags := q.expr.Value(&hcl.EvalContext{Variables: vars})
	if diags.HasErrors() {
		return false, fmt.Errorf("query %q: %s", q.src, diags.Error())
	}
	if val.IsNull() || !val.IsKnown() || val.Type() != cty.Bool {
		return false, fmt.Errorf("query %q: result is %s, not a bool", q.src, val.Type().FriendlyName())
	}
	return val.True(), nil
}

// toCtyValue converts a Go value to a cty.Value. Common dynamic shapes are
// handled directly; anything else goes through gocty's implied type.
func toCtyValue(data any) (cty.Value, error) {
	if data == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	switch v := data.(type) {
	case string:
		return cty.StringVal(v), nil
	case bool:
		return cty.BoolVal(v), nil
	case map[string]any:
		attrs := make(map[string]cty.Value, len(v))
		for key, val := range v {
			cv, err := toCtyValue(val)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[key] = cv
		}
		return cty.ObjectVal(attrs), nil
	case []any:
		elems := make([]cty.Value, 0, len(v))
		for _, val := range v {
			cv, err := toCtyValue(val)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, cv)
		}
		return cty.TupleVal(elems), nil
	}

	rv := reflect.ValueOf(data)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cty.NumberIntVal(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return cty.NumberUIntVal(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return cty.NumberFloatVal(rv.Float()), nil
	}
	ty, err := gocty.ImpliedType(data)
	if err != nil {
		return cty.NilVal, fmt.Errorf("unsupported type for conversion to cty.Value: %T", data)
	}
	return gocty.ToCtyValue(data, ty)
}

// toNumber converts any Go number to an exact big.Float. NaN is not a number
// here.
func toNumber(v any) (*big.Float, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return new(big.Float).SetInt64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return new(big.Float).SetUint64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) {
			return nil, false
		}
		return new(big.Float).SetFloat64(f), true
	default:
		return nil, false
	}
}

// LookupOption configures GetServices and friends.
type LookupOption func(*lookup)

type lookup struct {
	query    Query
	orderKey string
	maximize bool
}

// Where restricts results to services matching q.
func Where(q Query) LookupOption {
	return func(l *lookup) { l.query = q }
}

// Minimize orders results by ascending value of the numeric namespace entry
// key. GetService then returns the smallest instead of a random match.
func Minimize(key string) LookupOption {
	return func(l *lookup) { l.orderKey, l.maximize = key, false }
}

// Maximize orders results by descending value of key. GetService then
// returns the largest instead of a random match.
func Maximize(key string) LookupOption {
	return func(l *lookup) { l.orderKey, l.maximize = key, true }
}

type match struct {
	service any
	ns      Namespace
}

// sortMatches orders by l.orderKey. Services without a numeric value for the
// key go last, keeping registration order among themselves.
func (l *lookup) sortMatches(ms []match) {
	if l.orderKey == "" {
		return
	}
	slices.SortStableFunc(ms, func(a, b match) int {
		fa, oka := toNumber(a.ns[l.orderKey])
		fb, okb := toNumber(b.ns[l.orderKey])
		switch {
		case !oka && !okb:
			return 0
		case !oka:
			return 1
		case !okb:
			return -1
		}
		if l.maximize {
			return fb.Cmp(fa)
		}
		return fa.Cmp(fb)
	})
}

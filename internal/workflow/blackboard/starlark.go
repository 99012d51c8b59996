package blackboard

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Evaluator runs the restricted expression grammar shared by the
// template engine's {{#if}} truthiness check and the engine package's
// Custom transition condition (spec.md §9: "the same restricted
// grammar"). A single implementation, imported by both call sites,
// is how that sharing is actually enforced rather than merely
// documented.
//
// Grounded on station/internal/workflows/runtime/starlark_eval.go's
// StarlarkEvaluator, kept structurally identical (AttrDict bridging,
// bounded execution steps, Go<->Starlark value conversion).
type Evaluator struct {
	maxSteps uint64
}

// NewEvaluator returns an Evaluator with Station's conservative default
// step bound, sized to reject runaway expressions without needing a
// wall-clock timeout.
func NewEvaluator() *Evaluator {
	return &Evaluator{maxSteps: 10000}
}

// EvaluateCondition evaluates expr against data and reports its
// truthiness per Starlark's own truth table: None, False, zero
// numbers, empty strings and empty lists/dicts are falsy; everything
// else is truthy.
func (e *Evaluator) EvaluateCondition(expr string, data map[string]any) (bool, error) {
	result, err := e.EvaluateExpression(expr, data)
	if err != nil {
		return false, err
	}
	return evalTruth(result), nil
}

func evalTruth(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// EvaluateExpression evaluates a single Starlark expression against
// data and returns the Go-native result.
func (e *Evaluator) EvaluateExpression(expr string, data map[string]any) (any, error) {
	thread := &starlark.Thread{Name: "condition"}
	thread.SetMaxExecutionSteps(e.maxSteps)

	globals := e.toStarlarkGlobals(data)

	fileOpts := syntax.FileOptions{}
	parsed, err := fileOpts.ParseExpr("expression", expr, 0)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	result, err := starlark.EvalExprOptions(&fileOpts, thread, parsed, globals)
	if err != nil {
		return nil, fmt.Errorf("eval error: %w", err)
	}

	return e.fromStarlark(result), nil
}

func (e *Evaluator) toStarlarkGlobals(data map[string]any) starlark.StringDict {
	globals := make(starlark.StringDict, len(data))
	for k, v := range data {
		globals[k] = e.toStarlark(v)
	}
	return globals
}

func (e *Evaluator) toStarlark(v any) starlark.Value {
	switch val := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(val)
	case int:
		return starlark.MakeInt(val)
	case int64:
		return starlark.MakeInt64(val)
	case float64:
		return starlark.Float(val)
	case string:
		return starlark.String(val)
	case []any:
		elems := make([]starlark.Value, len(val))
		for i, elem := range val {
			elems[i] = e.toStarlark(elem)
		}
		return starlark.NewList(elems)
	case map[string]any:
		return newAttrDict(e, val)
	default:
		return starlark.String(fmt.Sprintf("%v", val))
	}
}

func (e *Evaluator) fromStarlark(v starlark.Value) any {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(val)
	case starlark.Int:
		i, _ := val.Int64()
		return i
	case starlark.Float:
		return float64(val)
	case starlark.String:
		return string(val)
	case *starlark.List:
		result := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			result[i] = e.fromStarlark(val.Index(i))
		}
		return result
	case *starlark.Dict:
		result := make(map[string]any)
		for _, item := range val.Items() {
			if key, ok := e.fromStarlark(item[0]).(string); ok {
				result[key] = e.fromStarlark(item[1])
			}
		}
		return result
	case *attrDict:
		result := make(map[string]any)
		for _, item := range val.Items() {
			if key, ok := e.fromStarlark(item[0]).(string); ok {
				result[key] = e.fromStarlark(item[1])
			}
		}
		return result
	default:
		return val.String()
	}
}

// attrDict exposes a Go map[string]any to Starlark both as a mapping
// (d["k"]) and via attribute access (d.k), mirroring the teacher's
// AttrDict so blackboard paths and Starlark expressions use the same
// dotted-access feel.
type attrDict struct {
	dict *starlark.Dict
}

var (
	_ starlark.Value      = (*attrDict)(nil)
	_ starlark.Mapping    = (*attrDict)(nil)
	_ starlark.HasAttrs   = (*attrDict)(nil)
	_ starlark.Iterable   = (*attrDict)(nil)
	_ starlark.Comparable = (*attrDict)(nil)
)

func newAttrDict(e *Evaluator, data map[string]any) *attrDict {
	dict := starlark.NewDict(len(data))
	for k, v := range data {
		_ = dict.SetKey(starlark.String(k), e.toStarlark(v))
	}
	return &attrDict{dict: dict}
}

func (d *attrDict) String() string        { return d.dict.String() }
func (d *attrDict) Type() string          { return "attrdict" }
func (d *attrDict) Freeze()               { d.dict.Freeze() }
func (d *attrDict) Truth() starlark.Bool  { return d.dict.Truth() }
func (d *attrDict) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: attrdict") }

func (d *attrDict) Get(key starlark.Value) (v starlark.Value, found bool, err error) {
	return d.dict.Get(key)
}

func (d *attrDict) Iterate() starlark.Iterator { return d.dict.Iterate() }

func (d *attrDict) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	other, ok := y.(*attrDict)
	if !ok {
		return false, nil
	}
	return starlark.Compare(op, d.dict, other.dict)
}

func (d *attrDict) Attr(name string) (starlark.Value, error) {
	val, found, err := d.dict.Get(starlark.String(name))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, starlark.NoSuchAttrError(fmt.Sprintf("attrdict has no .%s field or method", name))
	}
	return val, nil
}

func (d *attrDict) AttrNames() []string {
	var names []string
	for _, item := range d.dict.Items() {
		if key, ok := item[0].(starlark.String); ok {
			names = append(names, string(key))
		}
	}
	sort.Strings(names)
	return names
}

func (d *attrDict) Len() int { return d.dict.Len() }

func (d *attrDict) Items() []starlark.Tuple { return d.dict.Items() }

package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/logger"
)

// PipelineEngine runs pipelines stage by stage. Where stages are compiled to
// CEL programs over four variables: f maps every field path of the
// document (nested maps flattened with dots, plus __name__) to its value,
// k maps the same paths to their value class, p holds the filter's
// literal operands and o holds, per after/before operand, the sign of the
// document value compared with it in the total value order.
type PipelineEngine struct {
	store *Store
	env   *cel.Env
	log   logger.Logger

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newPipelineEngine(store *Store, log logger.Logger) (*PipelineEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("f", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("k", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("p", cel.ListType(cel.DynType)),
		cel.Variable("o", cel.ListType(cel.IntType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &PipelineEngine{
		store:    store,
		env:      env,
		log:      log.WithComponent("memory-pipeline-engine"),
		programs: make(map[string]cel.Program),
	}, nil
}

func (e *PipelineEngine) ExecutePipeline(ctx context.Context, p model.Pipeline) ([]*model.Document, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	docs, err := e.store.scan(ctx, p.Collection)
	if err != nil {
		return nil, err
	}
	for i, st := range p.Stages {
		if docs, err = e.apply(st, docs); err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, st.Kind, err)
		}
	}
	return docs, nil
}

func (e *PipelineEngine) apply(st model.Stage, docs []*model.Document) ([]*model.Document, error) {
	switch st.Kind {
	case model.StageWhere:
		pred, err := e.predicate(*st.Filter)
		if err != nil {
			return nil, err
		}
		out := docs[:0]
		for _, d := range docs {
			if pred.matches(d) {
				out = append(out, d)
			}
		}
		return out, nil
	case model.StageSort:
		sort.SliceStable(docs, func(i, j int) bool {
			return model.CompareDocuments(st.Orders, docs[i], docs[j]) < 0
		})
		return docs, nil
	case model.StageOffset:
		if st.Count >= len(docs) {
			return nil, nil
		}
		return docs[st.Count:], nil
	case model.StageLimit:
		if st.Count < len(docs) {
			return docs[:st.Count], nil
		}
		return docs, nil
	case model.StageSelect:
		out := make([]*model.Document, len(docs))
		for i, d := range docs {
			out[i] = model.ProjectFields(d, st.Fields)
		}
		return out, nil
	case model.StageFindNearest:
		return nearest(docs, *st.Nearest), nil
	}
	return nil, errors.NewUnsupportedError(fmt.Sprintf("stage %s", st.Kind))
}

// predicate is one compiled where stage.
type predicate struct {
	program cel.Program
	params  []interface{}
	ordered []model.Filter
	expr    string
	log     logger.Logger
}

// matches evaluates the program. Evaluation errors count as no match, the
// way a backend skips documents whose values cannot be compared.
func (p *predicate) matches(d *model.Document) bool {
	fields, kinds := flatten(d)
	signs := make([]interface{}, len(p.ordered))
	for i, f := range p.ordered {
		var sign int64
		if v, ok := d.Get(f.Field); ok {
			sign = int64(model.Compare(v, f.Value))
		}
		signs[i] = sign
	}
	out, _, err := p.program.Eval(map[string]interface{}{
		"f": fields,
		"k": kinds,
		"p": p.params,
		"o": signs,
	})
	if err != nil {
		p.log.WithFields(map[string]interface{}{
			"expr":  p.expr,
			"path":  d.Path,
			"error": err,
		}).Debug("Predicate evaluation failed")
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (e *PipelineEngine) predicate(f model.Filter) (*predicate, error) {
	c := &filterCompiler{}
	expr, err := c.compile(f)
	if err != nil {
		return nil, err
	}
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}
	return &predicate{program: prg, params: c.params, ordered: c.ordered, expr: expr, log: e.log}, nil
}

// program compiles expr once and caches it. Operands are bound at Eval
// time, so filters of the same shape share a program.
func (e *PipelineEngine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errors.NewInternalError("CEL compilation error").WithCause(issues.Err()).WithDetail("expression", expr)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// filterCompiler writes a filter as a CEL boolean expression.
type filterCompiler struct {
	params  []interface{}
	ordered []model.Filter
}

// sign registers an after/before operand and returns its slot in o.
func (c *filterCompiler) sign(f model.Filter) string {
	c.ordered = append(c.ordered, f)
	return fmt.Sprintf("o[%d]", len(c.ordered)-1)
}

func (c *filterCompiler) param(v model.Value) string {
	c.params = append(c.params, celNative(v))
	return fmt.Sprintf("p[%d]", len(c.params)-1)
}

func (c *filterCompiler) compile(f model.Filter) (string, error) {
	if f.IsComposite() {
		join := " && "
		if f.Composite == model.CompositeOr {
			join = " || "
		}
		if len(f.Filters) == 0 {
			return strconv.FormatBool(f.Composite != model.CompositeOr), nil
		}
		parts := make([]string, len(f.Filters))
		for i, sub := range f.Filters {
			s, err := c.compile(sub)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return "(" + strings.Join(parts, join) + ")", nil
	}

	fld := strconv.Quote(f.Field)
	has := fld + " in f"
	val := "f[" + fld + "]"
	class := func(name string) string { return "k[" + fld + "] == " + strconv.Quote(name) }
	v := f.Value

	switch f.Operator {
	case model.OpExists:
		return "(" + has + ")", nil
	case model.OpEqual:
		return "(" + has + " && " + c.equal(val, class, v) + ")", nil
	case model.OpNotEqual:
		return "(" + has + " && !(" + class("null") + ") && !(" + c.equal(val, class, v) + "))", nil
	case model.OpLessThan, model.OpLessThanOrEqual, model.OpGreaterThan, model.OpGreaterThanOrEqual:
		ord, err := c.ordering(val, class, f.Operator, v)
		if err != nil {
			return "", err
		}
		return "(" + has + " && " + ord + ")", nil
	case model.OpAfter:
		return "(" + has + " && " + c.sign(f) + " > 0)", nil
	case model.OpBefore:
		return "(" + has + " && " + c.sign(f) + " < 0)", nil
	case model.OpArrayContains:
		if v.IsNumber() && !v.IsNaN() {
			p := c.param(v)
			return "(" + has + " && " + class("array") + " && " + val +
				".exists(x, (type(x) == int || type(x) == double) && double(x) == double(" + p + ")))", nil
		}
		return "(" + has + " && " + class("array") + " && " + c.param(v) + " in " + val + ")", nil
	case model.OpArrayContainsAny:
		return "(" + has + " && " + class("array") + " && " + val + ".exists(x, x in " + c.param(v) + "))", nil
	case model.OpIn:
		return "(" + has + " && " + val + " in " + c.param(v) + ")", nil
	case model.OpNotIn:
		for _, e := range v.ArrayValue() {
			if e.IsNull() {
				return "false", nil
			}
		}
		return "(" + has + " && !(" + class("null") + ") && !(" + val + " in " + c.param(v) + "))", nil
	}
	return "", errors.NewUnsupportedError(fmt.Sprintf("operator %s in pipeline", f.Operator))
}

// equal is the same-class equality test, without the presence check.
func (c *filterCompiler) equal(val string, class func(string) string, v model.Value) string {
	switch {
	case v.IsNull():
		return class("null")
	case v.IsNaN():
		return "(" + class("number") + " && " + val + " != " + val + ")"
	case v.IsNumber():
		return "(" + class("number") + " && double(" + val + ") == double(" + c.param(v) + "))"
	}
	return "(" + class(valueClass(v)) + " && " + val + " == " + c.param(v) + ")"
}

// ordering handles <, <=, > and >= within one value class. NaN sorts below
// every other number and equals itself.
func (c *filterCompiler) ordering(val string, class func(string) string, op model.Operator, v model.Value) (string, error) {
	inclusive := op == model.OpLessThanOrEqual || op == model.OpGreaterThanOrEqual
	less := op == model.OpLessThan || op == model.OpLessThanOrEqual

	switch v.Kind() {
	case model.KindNull:
		if inclusive {
			return class("null"), nil
		}
		return "false", nil
	case model.KindInteger, model.KindDouble:
		num := class("number")
		isNaN := val + " != " + val
		if v.IsNaN() {
			switch op {
			case model.OpLessThan:
				return "false", nil
			case model.OpLessThanOrEqual:
				return "(" + num + " && " + isNaN + ")", nil
			case model.OpGreaterThan:
				return "(" + num + " && " + val + " == " + val + ")", nil
			default:
				return num, nil
			}
		}
		cmp := "double(" + val + ") " + string(op) + " double(" + c.param(v) + ")"
		if less {
			return "(" + num + " && (" + isNaN + " || " + cmp + "))", nil
		}
		return "(" + num + " && " + val + " == " + val + " && " + cmp + ")", nil
	case model.KindArray, model.KindMap, model.KindGeoPoint, model.KindVector:
		return "", errors.NewUnsupportedError(fmt.Sprintf("ordering comparison on %s values in pipeline", v.Kind()))
	}
	return "(" + class(valueClass(v)) + " && " + val + " " + string(op) + " " + c.param(v) + ")", nil
}

// valueClass names the comparison class of v. Integers and doubles share one.
func valueClass(v model.Value) string {
	if v.IsNumber() {
		return "number"
	}
	return v.Kind().String()
}

// celNative converts a value to the form CEL's default type adapter accepts.
// References become their path, geopoints a [lat, lng] list and vectors a
// list of doubles.
func celNative(v model.Value) interface{} {
	switch v.Kind() {
	case model.KindNull:
		return nil
	case model.KindReference:
		return v.ReferenceValue()
	case model.KindGeoPoint:
		g := v.GeoPointValue()
		return []interface{}{g.Latitude, g.Longitude}
	case model.KindVector:
		vec := v.VectorValue()
		out := make([]interface{}, len(vec))
		for i, x := range vec {
			out[i] = x
		}
		return out
	case model.KindArray:
		arr := v.ArrayValue()
		out := make([]interface{}, len(arr))
		for i, e := range arr {
			out[i] = celNative(e)
		}
		return out
	case model.KindMap:
		m := v.MapValue()
		out := make(map[string]interface{}, len(m))
		for k, e := range m {
			out[k] = celNative(e)
		}
		return out
	}
	return v.Interface()
}

// flatten builds the f and k activations for d.
func flatten(d *model.Document) (map[string]interface{}, map[string]string) {
	fields := map[string]interface{}{model.DocumentIDField: d.Path}
	kinds := map[string]string{model.DocumentIDField: model.KindReference.String()}
	var walk func(prefix string, m map[string]model.Value)
	walk = func(prefix string, m map[string]model.Value) {
		for name, v := range m {
			path := prefix + name
			fields[path] = celNative(v)
			kinds[path] = valueClass(v)
			if v.Kind() == model.KindMap {
				walk(path+".", v.MapValue())
			}
		}
	}
	walk("", d.Fields)
	return fields, kinds
}

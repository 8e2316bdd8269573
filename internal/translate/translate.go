// Package translate builds the IR scope tree of a declarative query: sources
// become tables, lambdas become column expressions, operators become
// clauses of the scope they apply to, and an operator that cannot extend the
// current scope wraps it into a derived table first. The result is
// parameter-classified, constant-folded and frozen.
package translate

import (
	"context"
	"log/slog"
	"reflect"
	"sort"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"ormquery/internal/entity"
	"ormquery/internal/ir"
	"ormquery/internal/logging"
	"ormquery/internal/observability"
	"ormquery/internal/query"
)

// Translator turns query trees into frozen scopes. It is safe for
// concurrent use; every call builds a fresh tree.
type Translator struct {
	registry *entity.Registry
	logger   *slog.Logger
}

// Option configures a Translator.
type Option func(*Translator)

// WithLogger sets the logger used for debug output of translated trees.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Translator) {
		t.logger = logger
	}
}

// New creates a translator over the entities of reg.
func New(reg *entity.Registry, opts ...Option) *Translator {
	t := &Translator{registry: reg}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrDefault(t.logger)
	return t
}

// Query is a translated query.
type Query struct {
	// Root is the frozen top-level scope.
	Root *ir.Select
	// Params are the positional parameters the query declares, by index.
	Params []*ir.ExternalValue
}

// Translate builds the scope tree for e. Repeated calls with the same tree
// return structurally identical but distinct scope trees.
func (t *Translator) Translate(ctx context.Context, e query.Expr) (_ *Query, err error) {
	_, span := observability.StartSpan(ctx, "translate", "translate.scope",
		attribute.String("query.fingerprint", query.Format(e)))
	defer func() {
		observability.RecordSpanError(span, err)
		span.End()
	}()

	st := &state{tr: t, params: make(map[int]*ir.ExternalValue)}
	root, err := st.root(e)
	if err != nil {
		return nil, err
	}
	if err := ir.FoldConstants(root); err != nil {
		return nil, err
	}
	params := st.declared()
	ir.ResolveParameters(root, params...)
	root.Freeze()

	if t.logger.Enabled(ctx, slog.LevelDebug) {
		t.logger.Debug("translated query", slog.String("ir", ir.Dump(root)))
	}
	return &Query{Root: root, Params: params}, nil
}

// state holds what one translation shares across scopes.
type state struct {
	tr     *Translator
	params map[int]*ir.ExternalValue
}

func (st *state) param(p *query.Param) *ir.ExternalValue {
	if v, ok := st.params[p.Index]; ok {
		return v
	}
	v := ir.NewParameter(p.Index, p.Name, p.T)
	st.params[p.Index] = v
	return v
}

func (st *state) declared() []*ir.ExternalValue {
	out := make([]*ir.ExternalValue, 0, len(st.params))
	for _, v := range st.params {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (st *state) entity(t reflect.Type) (*entity.Entity, error) {
	ent, ok := st.tr.registry.Lookup(t)
	if !ok {
		return nil, errors.Newf("type %s is not a registered entity", t)
	}
	return ent, nil
}

var (
	intType  = reflect.TypeOf(0)
	boolType = reflect.TypeOf(false)
)

func unsupported(format string, args ...interface{}) error {
	return errors.UnimplementedErrorf(errors.IssueLink{Detail: "query translation"}, format, args...)
}

func topLevel(t reflect.Type) *ir.Select { return ir.NewSelect(t) }

// root translates the outermost expression: a sequence query or a terminal
// operator producing one value.
func (st *state) root(e query.Expr) (*ir.Select, error) {
	if call, ok := e.(*query.Call); ok && isTerminal(call) {
		return st.terminal(call)
	}
	s, err := st.sequence(e, topLevel, env{})
	if err != nil {
		return nil, err
	}
	if err := st.finish(s, ir.ShapeSequence); err != nil {
		return nil, err
	}
	return s.scope, nil
}

func isTerminal(c *query.Call) bool {
	if len(c.Args) == 0 || !query.IsSequence(c.Args[0].Type()) {
		return false
	}
	switch c.Method {
	case "Count", "Any", "First", "Sum", "Min", "Max", "Average":
		return true
	}
	return false
}

func (st *state) terminal(c *query.Call) (*ir.Select, error) {
	if c.Method == "Any" {
		root := ir.NewSelect(boolType)
		exists, err := st.subQuery(c, root, env{})
		if err != nil {
			return nil, err
		}
		root.AddColumn(exists)
		root.SetMaterializer(ir.ShapeScalar, scalarMaterializer(0, boolType))
		return root, nil
	}

	s, err := st.sequence(c.Args[0], topLevel, env{})
	if err != nil {
		return nil, err
	}
	if c.Method == "First" {
		if s.group != nil {
			return nil, unsupported("First over an unprojected grouping")
		}
		if s.scope.HasLimit() || s.scope.Next != nil {
			if s, err = st.wrap(s); err != nil {
				return nil, err
			}
		}
		s.scope.SetLimit(ir.NewConstant(1, intType))
		if err := st.finish(s, ir.ShapeFirst); err != nil {
			return nil, err
		}
		return s.scope, nil
	}

	agg, err := st.aggregate(c, s, env{})
	if err != nil {
		return nil, err
	}
	agg.scope.AddColumn(agg.node)
	agg.scope.SetType(c.T)
	agg.scope.SetMaterializer(ir.ShapeScalar, scalarMaterializer(0, c.T))
	return agg.scope, nil
}

type aggregated struct {
	scope *ir.Select
	node  ir.Node
}

// aggregate folds the rows of s with the aggregate operator c (Count, Sum,
// Min, Max or Average), returning the scope to read it from and the
// aggregate expression.
func (st *state) aggregate(c *query.Call, s *seq, outer env) (*aggregated, error) {
	var err error
	if s.group != nil {
		return nil, unsupported("%s over an unprojected grouping", c.Method)
	}
	if c.Method == "Count" && len(c.Args) > 1 {
		var pred *query.Lambda
		if pred, err = lambdaArg(c, 1, 1); err != nil {
			return nil, err
		}
		if s, err = st.where(s, pred, outer); err != nil {
			return nil, err
		}
	}
	if s.scope.HasPaging() || len(s.scope.Groups) > 0 || s.scope.Next != nil {
		if s, err = st.wrap(s); err != nil {
			return nil, err
		}
	}
	s.scope.ClearOrders()

	if c.Method == "Count" {
		return &aggregated{scope: s.scope, node: ir.NewFunction(ir.FuncCount, c.T)}, nil
	}
	sel, err := lambdaArg(c, 1, 1)
	if err != nil {
		return nil, err
	}
	operand, err := st.scalar(sel.Body, s.scope, outer.bind(sel.Params[0], value{node: s.proj}))
	if err != nil {
		return nil, err
	}
	node, err := aggregateNode(c.Method, c.T, operand)
	if err != nil {
		return nil, err
	}
	return &aggregated{scope: s.scope, node: node}, nil
}

func aggregateNode(method string, t reflect.Type, operand ir.Node) (ir.Node, error) {
	switch method {
	case "Sum":
		// SUM over no rows is NULL in SQL; the sum of nothing is zero.
		sum := ir.NewFunction(ir.FuncSum, t, operand)
		return ir.NewFunction(ir.FuncCoalesce, t, sum, ir.NewConstant(reflect.Zero(t).Interface(), t)), nil
	case "Min":
		return ir.NewFunction(ir.FuncMin, t, operand), nil
	case "Max":
		return ir.NewFunction(ir.FuncMax, t, operand), nil
	case "Average":
		return ir.NewFunction(ir.FuncAverage, t, operand), nil
	}
	return nil, unsupported("aggregate %s", method)
}

func lambdaArg(c *query.Call, i, params int) (*query.Lambda, error) {
	if i >= len(c.Args) {
		return nil, errors.Newf("%s: missing argument %d", c.Method, i)
	}
	l, ok := c.Args[i].(*query.Lambda)
	if !ok {
		return nil, errors.Newf("%s: argument %d is %T, expected a lambda", c.Method, i, c.Args[i])
	}
	if len(l.Params) != params {
		return nil, errors.Newf("%s: lambda takes %d parameters, expected %d", c.Method, len(l.Params), params)
	}
	return l, nil
}

package demoapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"

	"github.com/cockroachdb/errors"

	"ormquery/internal/entity"
	"ormquery/internal/enumerable"
	"ormquery/internal/ir"
	"ormquery/internal/query"
	"ormquery/internal/session"
)

// Explanation is the translated form of a sample.
type Explanation struct {
	Query string
	IR    string
	SQL   string
	Args  []interface{}
}

// Explain translates s and renders it for the configured dialect.
func (a *App) Explain(ctx context.Context, s Sample) (*Explanation, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	tq, err := a.translator.Translate(ctx, s.Query)
	if err != nil {
		return nil, err
	}
	stmt, err := a.generator.Generate(ctx, tq.Root, s.Args)
	if err != nil {
		return nil, err
	}
	return &Explanation{
		Query: query.Format(s.Query),
		IR:    ir.Dump(tq.Root),
		SQL:   stmt.SQL,
		Args:  stmt.Args,
	}, nil
}

// Comparison holds the results of one sample on both backends.
type Comparison struct {
	Live  interface{}
	Cache interface{}
	Agree bool
}

// Compare runs s on the live store and on the cache snapshot, each in its
// own session.
func (a *App) Compare(ctx context.Context, s Sample) (*Comparison, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	live, err := a.executor.Query(ctx, session.New(), s.Query, s.Args...)
	if err != nil {
		return nil, errors.Wrapf(err, "live store %q", s.Name)
	}
	cached, err := a.compiler.Query(ctx, session.New(), a.snapshot, s.Query, s.Args...)
	if err != nil {
		return nil, errors.Wrapf(err, "cache %q", s.Name)
	}
	lv, cv := logical(a.registry, live), logical(a.registry, cached)
	if s.Unordered {
		lv, cv = sorted(lv), sorted(cv)
	}
	return &Comparison{Live: lv, Cache: cv, Agree: reflect.DeepEqual(lv, cv)}, nil
}

// Run explains and compares every sample, writing a report to w. It fails
// when a sample fails on either backend or the backends disagree.
func (a *App) Run(ctx context.Context, w io.Writer) error {
	var disagree []string
	for _, s := range Samples() {
		ex, err := a.Explain(ctx, s)
		if err != nil {
			return errors.Wrapf(err, "explain %q", s.Name)
		}
		cmp, err := a.Compare(ctx, s)
		if err != nil {
			return err
		}
		verdict := "agree"
		if !cmp.Agree {
			verdict = "DIFFER"
			disagree = append(disagree, s.Name)
		}
		fmt.Fprintf(w, "== %s\nquery: %s\n%ssql:   %s\nargs:  %v\nlive:  %v\ncache: %v\n%s\n\n",
			s.Name, ex.Query, ex.IR, ex.SQL, ex.Args, cmp.Live, cmp.Cache, verdict)
		a.logger.Debug("sample compared", slog.String("sample", s.Name), slog.Bool("agree", cmp.Agree))
	}
	a.logger.Info("compiled cache queries", slog.Int("count", a.compiler.Len()))
	if len(disagree) > 0 {
		return errors.Newf("backends disagree on %v", disagree)
	}
	return nil
}

// logical replaces entities by their keys and structs by their fields, so
// results from different backends compare by record.
func logical(reg *entity.Registry, v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case enumerable.Seq:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = logical(reg, item)
		}
		return out
	case *query.Grouping:
		return []interface{}{logical(reg, x.Key), logical(reg, enumerable.Seq(x.Items))}
	}
	rv := reflect.ValueOf(v)
	if ent, ok := reg.Lookup(rv.Type()); ok && rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		if key, err := ent.Key(v); err == nil {
			return key
		}
	}
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		fields := map[string]interface{}{}
		for i := 0; i < rv.NumField(); i++ {
			if rv.Type().Field(i).IsExported() {
				fields[rv.Type().Field(i).Name] = logical(reg, rv.Field(i).Interface())
			}
		}
		return fields
	}
	return v
}

// sorted orders a logical sequence by its printed form.
func sorted(v interface{}) interface{} {
	items, ok := v.([]interface{})
	if !ok {
		return v
	}
	out := append([]interface{}(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		return fmt.Sprint(out[i]) < fmt.Sprint(out[j])
	})
	return out
}

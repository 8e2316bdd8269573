// Package ir is the vendor-neutral intermediate representation of one
// translated query: tables, columns, scopes, joins, groups, orderings,
// external values, functions, row offsets, constructor projections and raw
// filters.
//
// Node is a sealed interface. Every node reports an ordered child list and
// can be rebuilt from replacement children, which is what lets Map and Walk
// traverse any tree without per-kind code. Nodes that own children but do
// not support structural rebuilding (scopes, tables) fail with an assertion
// error when asked to.
package ir

import (
	"reflect"

	"github.com/cockroachdb/errors"
)

// Kind tags the variant of a Node.
type Kind int

const (
	KindConstant Kind = iota
	KindColumn
	KindEntity
	KindTable
	KindSubSelectTable
	KindSelect
	KindGroup
	KindOrderBy
	KindExternalValue
	KindFunction
	KindRowOffset
	KindConstruct
	KindRawFilter
)

var kindNames = [...]string{
	KindConstant:       "constant",
	KindColumn:         "column",
	KindEntity:         "entity",
	KindTable:          "table",
	KindSubSelectTable: "sub-select table",
	KindSelect:         "select",
	KindGroup:          "group",
	KindOrderBy:        "order-by",
	KindExternalValue:  "external value",
	KindFunction:       "function",
	KindRowOffset:      "row offset",
	KindConstruct:      "construct",
	KindRawFilter:      "raw filter",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Node is one element of the IR.
type Node interface {
	Kind() Kind
	// Type is the Go type of the value the node produces.
	Type() reflect.Type
	// Alias is the optional output name of the node.
	Alias() string
	SetAlias(alias string)
	// Children lists the operands of the node in a fixed order.
	Children() []Node
	// WithChildren returns the node rebuilt with replacement operands. The
	// replacement list must match Children in length and order.
	WithChildren(children []Node) (Node, error)
	irNode()
}

type base struct {
	typ   reflect.Type
	alias string
}

func (b *base) Type() reflect.Type    { return b.typ }
func (b *base) Alias() string         { return b.alias }
func (b *base) SetAlias(alias string) { b.alias = alias }
func (b *base) Children() []Node      { return nil }
func (*base) irNode()                 {}

// leafChildren is the default rebuild: accept an empty list, reject anything else.
func leafChildren(n Node, children []Node) (Node, error) {
	if len(children) != 0 {
		return nil, errors.AssertionFailedf("%s node does not support rewriting with %d children", n.Kind(), len(children))
	}
	return n, nil
}

func checkArity(n Node, children []Node) error {
	if want := len(n.Children()); len(children) != want {
		return errors.AssertionFailedf("%s node rebuilt with %d children, expected %d", n.Kind(), len(children), want)
	}
	return nil
}

// boundary marks nodes that Map does not descend into. Scopes and tables own
// their clauses and are rewritten in place by Select.Rewrite.
type boundary interface {
	scopeBoundary()
}

// Map rewrites n bottom-up. fn sees every node after its children have been
// mapped; a node whose children are unchanged keeps its identity.
func Map(n Node, fn func(Node) (Node, error)) (Node, error) {
	if n == nil {
		return nil, nil
	}
	if _, ok := n.(boundary); !ok {
		children := n.Children()
		if len(children) > 0 {
			changed := false
			next := make([]Node, len(children))
			for i, c := range children {
				nc, err := Map(c, fn)
				if err != nil {
					return nil, err
				}
				next[i] = nc
				changed = changed || nc != c
			}
			if changed {
				rebuilt, err := n.WithChildren(next)
				if err != nil {
					return nil, err
				}
				n = rebuilt
			}
		}
	}
	return fn(n)
}

// Walk visits n and its descendants in pre-order, descending into nested
// scopes. Returning false from fn skips the node's children.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children() {
		Walk(c, fn)
	}
}

// IsContractViolation reports whether err signals a translator bug rather
// than bad input.
func IsContractViolation(err error) bool {
	return errors.HasAssertionFailure(err)
}

// IsNotImplemented reports whether err signals an operation that cannot run
// in the current backend.
func IsNotImplemented(err error) bool {
	return errors.HasUnimplementedError(err)
}

// Constant is a literal value.
type Constant struct {
	base
	Value interface{}
}

// NewConstant wraps v. A nil t is inferred from v.
func NewConstant(v interface{}, t reflect.Type) *Constant {
	if t == nil && v != nil {
		t = reflect.TypeOf(v)
	}
	return &Constant{base: base{typ: t}, Value: v}
}

func (*Constant) Kind() Kind { return KindConstant }

func (c *Constant) WithChildren(children []Node) (Node, error) {
	return leafChildren(c, children)
}

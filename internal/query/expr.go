// Package query defines the host-side declarative query tree: sources,
// lambdas, member access, operators and sequence-operator calls. Trees are
// assembled with the fluent Queryable builder and consumed by the SQL
// translator and the cache backend rewriter.
//
// Expr is a sealed interface; only this package defines node types, so
// consumers can switch exhaustively over them.
package query

import (
	"reflect"
)

// Expr is a node of a declarative query tree.
type Expr interface {
	// Type is the static type of the value the expression produces.
	Type() reflect.Type
	exprNode()
}

// Provider identifies which operator family a Call belongs to.
type Provider int

const (
	// QueryableProvider operators are translated to SQL.
	QueryableProvider Provider = iota
	// Enumerable operators run over in-memory sequences.
	Enumerable
	// Strings are string methods (StartsWith, ToUpper, ...).
	Strings
	// Functions are scalar functions of the shared function vocabulary.
	Functions
	// Helpers are runtime helpers injected by the cache rewriter.
	Helpers
)

func (p Provider) String() string {
	switch p {
	case QueryableProvider:
		return "Queryable"
	case Enumerable:
		return "Enumerable"
	case Strings:
		return "Strings"
	case Functions:
		return "Functions"
	case Helpers:
		return "Helpers"
	default:
		return "Provider(?)"
	}
}

// StringComparison selects how two strings are compared.
type StringComparison int

const (
	// Ordinal compares strings byte-wise.
	Ordinal StringComparison = iota
	// InvariantIgnoreCase compares strings after culture-invariant case folding.
	InvariantIgnoreCase
)

// BinaryOp is a binary operator.
type BinaryOp int

const (
	OpEq BinaryOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpCoalesce
)

var binaryOpNames = map[BinaryOp]string{
	OpEq: "==", OpNe: "!=", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpAnd: "&&", OpOr: "||", OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/",
	OpMod: "%", OpCoalesce: "??",
}

func (op BinaryOp) String() string {
	if name, ok := binaryOpNames[op]; ok {
		return name
	}
	return "?"
}

// IsComparison reports whether the operator yields a boolean comparison.
func (op BinaryOp) IsComparison() bool {
	return op <= OpGe
}

// UnaryOp is a unary operator.
type UnaryOp int

const (
	OpNot UnaryOp = iota
	OpNegate
)

// Lock is the locking intent of a read from a persistent collection.
type Lock int

const (
	LockNone Lock = iota
	LockShared
	LockUpdate
)

// Source is a persistent entity collection.
type Source struct {
	Elem reflect.Type
	Lock Lock
}

// Param reads a positional parameter of the query.
type Param struct {
	Index int
	Name  string
	T     reflect.Type
}

// Const is a literal value embedded in the query.
type Const struct {
	Value interface{}
	T     reflect.Type
}

// Var is a reference to a lambda parameter. Grouping variables also carry
// the key and element types of the grouping.
type Var struct {
	Name string
	T    reflect.Type
	Key  reflect.Type
	Elem reflect.Type
}

// Lambda is an anonymous function over one or more variables.
type Lambda struct {
	Params []*Var
	Body   Expr
}

// Member reads a field (or a grouping's Key) from X.
type Member struct {
	X     Expr
	Field string
	T     reflect.Type
}

// Binary applies a binary operator.
type Binary struct {
	Op BinaryOp
	X  Expr
	Y  Expr
}

// Unary applies a unary operator.
type Unary struct {
	Op UnaryOp
	X  Expr
}

// Call invokes a method of one of the operator families.
type Call struct {
	Provider   Provider
	Method     string
	Args       []Expr
	T          reflect.Type
	Comparison StringComparison
}

// Binding assigns a value to a named member in a member-init construction.
type Binding struct {
	Field string
	Value Expr
}

// New constructs an object. Ctor, when valid, is a Go function called with
// Args positionally; Bindings are assigned by field name afterwards. A New
// with no Ctor and only Bindings is a member-init construction.
type New struct {
	T        reflect.Type
	Ctor     reflect.Value
	Args     []Expr
	Bindings []Binding
}

// Conditional selects Then or Else depending on Test.
type Conditional struct {
	Test Expr
	Then Expr
	Else Expr
}

// Snapshot reads the in-memory collection of an entity type. It only appears
// in trees produced by the cache rewriter.
type Snapshot struct {
	Elem reflect.Type
}

// Arg reads a positional argument from the compiled function's argument
// array. It only appears in trees produced by the cache rewriter.
type Arg struct {
	Index int
	T     reflect.Type
}

func (e *Source) Type() reflect.Type      { return reflect.SliceOf(e.Elem) }
func (e *Param) Type() reflect.Type       { return e.T }
func (e *Const) Type() reflect.Type       { return e.T }
func (e *Var) Type() reflect.Type         { return e.T }
func (e *Lambda) Type() reflect.Type      { return e.Body.Type() }
func (e *Member) Type() reflect.Type      { return e.T }
func (e *Call) Type() reflect.Type        { return e.T }
func (e *New) Type() reflect.Type         { return e.T }
func (e *Conditional) Type() reflect.Type { return e.Then.Type() }
func (e *Snapshot) Type() reflect.Type    { return reflect.SliceOf(e.Elem) }
func (e *Arg) Type() reflect.Type         { return e.T }

func (e *Binary) Type() reflect.Type {
	if e.Op.IsComparison() || e.Op == OpAnd || e.Op == OpOr {
		return boolType
	}
	if e.Op == OpCoalesce {
		return e.Y.Type()
	}
	return e.X.Type()
}

func (e *Unary) Type() reflect.Type {
	if e.Op == OpNot {
		return boolType
	}
	return e.X.Type()
}

func (*Source) exprNode()      {}
func (*Param) exprNode()       {}
func (*Const) exprNode()       {}
func (*Var) exprNode()         {}
func (*Lambda) exprNode()      {}
func (*Member) exprNode()      {}
func (*Binary) exprNode()      {}
func (*Unary) exprNode()       {}
func (*Call) exprNode()        {}
func (*New) exprNode()         {}
func (*Conditional) exprNode() {}
func (*Snapshot) exprNode()    {}
func (*Arg) exprNode()         {}

var (
	boolType   = reflect.TypeOf(false)
	intType    = reflect.TypeOf(0)
	stringType = reflect.TypeOf("")
	anyType    = reflect.TypeOf((*interface{})(nil)).Elem()
)

// ElemType returns the element type of a sequence type, or nil.
func ElemType(t reflect.Type) reflect.Type {
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		return t.Elem()
	}
	return nil
}

// IsSequence reports whether t is a sequence type ([]T).
func IsSequence(t reflect.Type) bool {
	return t != nil && t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8
}

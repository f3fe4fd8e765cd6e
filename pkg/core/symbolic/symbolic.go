// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package symbolic implements small immutable integer expressions used to describe tensor
// dimensions that may only be known at execution time, and the index/validity arithmetic of
// views over buffers.
//
// Expressions are simplified when they are constructed: constants are folded, neutral and
// absorbing elements are dropped and constants are kept on the right-hand side of commutative
// operations. So two expressions built from the same values compare as Equal.
//
// Boolean results (Lt, Ge, And) are represented as 0 or 1.
package symbolic

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Position is the name of the variable holding the flat logical position in index and validity
// expressions generated by views.
const Position = "z"

// Bindings maps variable names to concrete values.
type Bindings map[string]int

// Expr is an immutable integer expression.
type Expr interface {
	// Eval evaluates the expression. It returns an *UnresolvedError if a variable is not bound.
	Eval(bindings Bindings) (int, error)

	// String pretty-prints the expression. It is also used as a structural key.
	String() string

	isExpr()
}

// UnresolvedError is returned when an expression needs the value of a variable that is not bound.
//
// It is recoverable: callers that need a concrete value at compile time should defer the check to
// execution time, when the dimension variables are bound.
type UnresolvedError struct {
	Name string
	Expr string
}

// Error implements error.
func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved symbolic dimension %q in expression %s", e.Name, e.Expr)
}

// Op enumerates the binary operations of an expression.
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpMin
	OpMax
	OpLt
	OpGe
	OpAnd
)

var opSymbols = [...]string{
	OpAdd: "+",
	OpSub: "-",
	OpMul: "*",
	OpDiv: "/",
	OpMod: "%",
	OpMin: "min",
	OpMax: "max",
	OpLt:  "<",
	OpGe:  ">=",
	OpAnd: "&&",
}

// String returns the symbol of the operation.
func (op Op) String() string {
	if op < 0 || int(op) >= len(opSymbols) {
		return fmt.Sprintf("Op(%d)", int(op))
	}
	return opSymbols[op]
}

func (op Op) isCommutative() bool {
	switch op {
	case OpAdd, OpMul, OpMin, OpMax, OpAnd:
		return true
	default:
		return false
	}
}

type constExpr int

type varExpr string

type binaryExpr struct {
	op       Op
	lhs, rhs Expr
	str      string
}

func (constExpr) isExpr()   {}
func (varExpr) isExpr()     {}
func (*binaryExpr) isExpr() {}

// Eval implements Expr.
func (c constExpr) Eval(Bindings) (int, error) { return int(c), nil }

// String implements Expr.
func (c constExpr) String() string { return fmt.Sprintf("%d", int(c)) }

// Eval implements Expr.
func (v varExpr) Eval(bindings Bindings) (int, error) {
	value, found := bindings[string(v)]
	if !found {
		return 0, &UnresolvedError{Name: string(v), Expr: string(v)}
	}
	return value, nil
}

// String implements Expr.
func (v varExpr) String() string { return string(v) }

// Eval implements Expr.
func (b *binaryExpr) Eval(bindings Bindings) (int, error) {
	lhs, err := b.lhs.Eval(bindings)
	if err != nil {
		return 0, withExpr(err, b)
	}
	rhs, err := b.rhs.Eval(bindings)
	if err != nil {
		return 0, withExpr(err, b)
	}
	return apply(b.op, lhs, rhs)
}

// withExpr widens the context of an UnresolvedError to the outermost expression evaluated.
func withExpr(err error, e Expr) error {
	var unresolved *UnresolvedError
	if errors.As(err, &unresolved) {
		return &UnresolvedError{Name: unresolved.Name, Expr: e.String()}
	}
	return err
}

// String implements Expr.
func (b *binaryExpr) String() string { return b.str }

func apply(op Op, lhs, rhs int) (int, error) {
	switch op {
	case OpAdd:
		return lhs + rhs, nil
	case OpSub:
		return lhs - rhs, nil
	case OpMul:
		return lhs * rhs, nil
	case OpDiv:
		if rhs == 0 {
			return 0, errors.Errorf("symbolic division by zero (%d / %d)", lhs, rhs)
		}
		return floorDiv(lhs, rhs), nil
	case OpMod:
		if rhs == 0 {
			return 0, errors.Errorf("symbolic modulo by zero (%d %% %d)", lhs, rhs)
		}
		return lhs - floorDiv(lhs, rhs)*rhs, nil
	case OpMin:
		return min(lhs, rhs), nil
	case OpMax:
		return max(lhs, rhs), nil
	case OpLt:
		return boolToInt(lhs < rhs), nil
	case OpGe:
		return boolToInt(lhs >= rhs), nil
	case OpAnd:
		return boolToInt(lhs != 0 && rhs != 0), nil
	}
	return 0, errors.Errorf("unknown symbolic operation %s", op)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Const returns a constant expression.
func Const(value int) Expr { return constExpr(value) }

// Var returns a variable expression: typically a dimension only known at execution time.
func Var(name string) Expr {
	if name == "" {
		exceptions.Panicf("symbolic.Var requires a non-empty name")
	}
	return varExpr(name)
}

// Consts converts a list of integers to constant expressions.
func Consts(values ...int) []Expr {
	exprs := make([]Expr, len(values))
	for ii, v := range values {
		exprs[ii] = Const(v)
	}
	return exprs
}

// AsConst returns the value of e if it is a constant.
func AsConst(e Expr) (int, bool) {
	c, ok := e.(constExpr)
	return int(c), ok
}

// IsConst returns whether e is the constant value.
func IsConst(e Expr, value int) bool {
	c, ok := AsConst(e)
	return ok && c == value
}

// Equal returns whether the two expressions are structurally equal.
func Equal(a, b Expr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

// Vars returns the sorted list of variable names used in e.
func Vars(e Expr) []string {
	var names []string
	var visit func(e Expr)
	visit = func(e Expr) {
		switch typed := e.(type) {
		case varExpr:
			if !slices.Contains(names, string(typed)) {
				names = append(names, string(typed))
			}
		case *binaryExpr:
			visit(typed.lhs)
			visit(typed.rhs)
		}
	}
	visit(e)
	slices.Sort(names)
	return names
}

func newBinary(op Op, lhs, rhs Expr) Expr {
	if lhs == nil || rhs == nil {
		exceptions.Panicf("symbolic: nil operand for operation %s", op)
	}
	lc, lhsConst := AsConst(lhs)
	rc, rhsConst := AsConst(rhs)
	if lhsConst && rhsConst {
		value, err := apply(op, lc, rc)
		if err != nil {
			panic(err)
		}
		return Const(value)
	}
	if op.isCommutative() && lhsConst {
		lhs, rhs = rhs, lhs
		lc, rc = rc, lc
		lhsConst, rhsConst = rhsConst, lhsConst
	}
	if simplified := simplify(op, lhs, rhs, lc, lhsConst, rc, rhsConst); simplified != nil {
		return simplified
	}
	b := &binaryExpr{op: op, lhs: lhs, rhs: rhs}
	switch op {
	case OpMin, OpMax:
		b.str = fmt.Sprintf("%s(%s, %s)", op, lhs, rhs)
	default:
		b.str = fmt.Sprintf("(%s %s %s)", lhs, op, rhs)
	}
	return b
}

// simplify returns nil if no rule applies.
func simplify(op Op, lhs, rhs Expr, lc int, lhsConst bool, rc int, rhsConst bool) Expr {
	same := Equal(lhs, rhs)
	inner, innerIsBinary := lhs.(*binaryExpr)
	var innerConst int
	innerHasConst := false
	if innerIsBinary {
		innerConst, innerHasConst = AsConst(inner.rhs)
	}
	switch op {
	case OpAdd:
		if rhsConst && rc == 0 {
			return lhs
		}
		if rhsConst && innerHasConst && inner.op == OpAdd {
			return Add(inner.lhs, Const(innerConst+rc))
		}
		if rhsConst && innerHasConst && inner.op == OpSub {
			return Add(inner.lhs, Const(rc-innerConst))
		}
	case OpSub:
		if rhsConst && rc == 0 {
			return lhs
		}
		if same {
			return Const(0)
		}
		if rhsConst {
			return Add(lhs, Const(-rc))
		}
		if rb, ok := rhs.(*binaryExpr); ok && rb.op == OpAdd && Equal(rb.lhs, lhs) {
			// x - (x + c) = -c
			if c, ok := AsConst(rb.rhs); ok {
				return Const(-c)
			}
		}
		if innerIsBinary && inner.op == OpAdd && Equal(inner.lhs, rhs) {
			// (x + y) - x = y
			return inner.rhs
		}
	case OpMul:
		if rhsConst && rc == 0 {
			return Const(0)
		}
		if rhsConst && rc == 1 {
			return lhs
		}
		if rhsConst && innerHasConst && inner.op == OpMul {
			return Mul(inner.lhs, Const(innerConst*rc))
		}
	case OpDiv:
		if rhsConst && rc == 1 {
			return lhs
		}
		if lhsConst && lc == 0 {
			return Const(0)
		}
		if same {
			return Const(1)
		}
		if rhsConst && rc > 0 && innerHasConst && inner.op == OpMul && innerConst%rc == 0 {
			return Mul(inner.lhs, Const(innerConst/rc))
		}
	case OpMod:
		if rhsConst && rc == 1 {
			return Const(0)
		}
		if lhsConst && lc == 0 {
			return Const(0)
		}
		if same {
			return Const(0)
		}
		if rhsConst && rc > 0 && innerHasConst && inner.op == OpMul && innerConst%rc == 0 {
			return Const(0)
		}
	case OpMin, OpMax:
		if same {
			return lhs
		}
	case OpLt:
		if same {
			return Const(0)
		}
	case OpGe:
		if same {
			return Const(1)
		}
	case OpAnd:
		if rhsConst && rc == 0 {
			return Const(0)
		}
		if rhsConst {
			return lhs
		}
		if same {
			return lhs
		}
	}
	return nil
}

// Add returns lhs + rhs.
func Add(lhs, rhs Expr) Expr { return newBinary(OpAdd, lhs, rhs) }

// Sub returns lhs - rhs.
func Sub(lhs, rhs Expr) Expr { return newBinary(OpSub, lhs, rhs) }

// Mul returns lhs * rhs.
func Mul(lhs, rhs Expr) Expr { return newBinary(OpMul, lhs, rhs) }

// Div returns the floor division lhs / rhs.
func Div(lhs, rhs Expr) Expr { return newBinary(OpDiv, lhs, rhs) }

// Mod returns lhs modulo rhs, with the sign of rhs.
func Mod(lhs, rhs Expr) Expr { return newBinary(OpMod, lhs, rhs) }

// Min returns min(lhs, rhs).
func Min(lhs, rhs Expr) Expr { return newBinary(OpMin, lhs, rhs) }

// Max returns max(lhs, rhs).
func Max(lhs, rhs Expr) Expr { return newBinary(OpMax, lhs, rhs) }

// Lt returns 1 if lhs < rhs, 0 otherwise.
func Lt(lhs, rhs Expr) Expr { return newBinary(OpLt, lhs, rhs) }

// Ge returns 1 if lhs >= rhs, 0 otherwise.
func Ge(lhs, rhs Expr) Expr { return newBinary(OpGe, lhs, rhs) }

// And returns 1 if both lhs and rhs are non-zero, 0 otherwise.
func And(lhs, rhs Expr) Expr { return newBinary(OpAnd, lhs, rhs) }

// Sum of the given terms. Sum() is 0.
func Sum(terms ...Expr) Expr {
	result := Const(0)
	for _, term := range terms {
		result = Add(result, term)
	}
	return result
}

// Product of the given factors. Product() is 1.
func Product(factors ...Expr) Expr {
	result := Const(1)
	for _, factor := range factors {
		result = Mul(result, factor)
	}
	return result
}

// Substitute replaces the bound variables of e by their values, simplifying the result.
// Variables not in bindings are kept.
func Substitute(e Expr, bindings Bindings) Expr {
	switch typed := e.(type) {
	case varExpr:
		if value, found := bindings[string(typed)]; found {
			return Const(value)
		}
		return e
	case *binaryExpr:
		return newBinary(typed.op, Substitute(typed.lhs, bindings), Substitute(typed.rhs, bindings))
	default:
		return e
	}
}

// Compile converts the expression to a function of the variable named positionVar.
//
// It fails with an *UnresolvedError if any other variable is used: they must be resolved
// first with Substitute.
func Compile(e Expr, positionVar string) (func(int) int, error) {
	for _, name := range Vars(e) {
		if name != positionVar {
			return nil, &UnresolvedError{Name: name, Expr: e.String()}
		}
	}
	return compile(e), nil
}

func compile(e Expr) func(int) int {
	switch typed := e.(type) {
	case constExpr:
		value := int(typed)
		return func(int) int { return value }
	case varExpr:
		return func(z int) int { return z }
	case *binaryExpr:
		lhs, rhs := compile(typed.lhs), compile(typed.rhs)
		switch typed.op {
		case OpAdd:
			return func(z int) int { return lhs(z) + rhs(z) }
		case OpSub:
			return func(z int) int { return lhs(z) - rhs(z) }
		case OpMul:
			return func(z int) int { return lhs(z) * rhs(z) }
		default:
			op := typed.op
			return func(z int) int {
				value, err := apply(op, lhs(z), rhs(z))
				if err != nil {
					panic(errors.WithMessagef(err, "evaluating %s at %s=%d", typed, Position, z))
				}
				return value
			}
		}
	}
	exceptions.Panicf("symbolic: unknown expression type %T", e)
	return nil
}

// Format returns the expressions joined by sep, handy for error messages.
func Format(exprs []Expr, sep string) string {
	parts := make([]string, len(exprs))
	for ii, e := range exprs {
		parts[ii] = e.String()
	}
	return strings.Join(parts, sep)
}

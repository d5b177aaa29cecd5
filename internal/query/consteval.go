// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Const evaluation: spec.md §4.3.5 requires compile-time evaluation of const
// declarations with a bounded step budget, cycle detection, and rejection of
// suspension points (await/yield have no meaning outside a running VM frame).
package query

import (
	"fmt"

	"github.com/aster-lang/aster/internal/ast"
	"github.com/aster-lang/aster/internal/item"
	"github.com/aster-lang/aster/internal/value"
)

// DefaultConstEvalBudget is the default step allowance for one const-eval
// pass, per spec §4.3.5.
const DefaultConstEvalBudget = 1_000_000

// ConstEvalErrorKind classifies a const-evaluation failure.
type ConstEvalErrorKind int

const (
	ConstCycle ConstEvalErrorKind = iota
	ConstEvalBudgetExceeded
	YieldInConst
	ConstEvalUnsupported
)

func (k ConstEvalErrorKind) String() string {
	switch k {
	case ConstCycle:
		return "ConstCycle"
	case ConstEvalBudgetExceeded:
		return "ConstEvalBudgetExceeded"
	case YieldInConst:
		return "YieldInConst"
	default:
		return "ConstEvalUnsupported"
	}
}

// ConstEvalError reports a failure to evaluate a const item.
type ConstEvalError struct {
	Kind ConstEvalErrorKind
	Item item.Item
	Msg  string
}

func (e *ConstEvalError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Item.String(), e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Item.String())
}

// ConstEvaluator evaluates ConstStmt declarations found by a Resolver's
// Index, memoizing results and detecting cyclic const references.
//
// Grounded on the teacher's LinearChecker: a small stateful walker that
// tracks an in-progress set to refuse recursive re-entry, generalized from
// "is this binding already moved" to "is this const already being evaluated".
type ConstEvaluator struct {
	idx        *Index
	budget     int
	spent      int
	results    map[string]value.Value
	inProgress map[string]bool
}

// NewConstEvaluator creates an evaluator over idx with the given step
// budget (0 selects DefaultConstEvalBudget).
func NewConstEvaluator(idx *Index, budget int) *ConstEvaluator {
	if budget <= 0 {
		budget = DefaultConstEvalBudget
	}
	return &ConstEvaluator{
		idx:        idx,
		budget:     budget,
		results:    make(map[string]value.Value),
		inProgress: make(map[string]bool),
	}
}

// Eval evaluates the const item named by it, returning its memoized Value.
func (ce *ConstEvaluator) Eval(it item.Item) (value.Value, error) {
	key := it.String()
	if v, ok := ce.results[key]; ok {
		return v, nil
	}
	if ce.inProgress[key] {
		return value.Unit, &ConstEvalError{Kind: ConstCycle, Item: it}
	}
	entry, ok := ce.idx.Lookup(it)
	if !ok || entry.Kind != KindConst {
		return value.Unit, &ConstEvalError{Kind: ConstEvalUnsupported, Item: it, Msg: "not a const item"}
	}
	stmt, ok := entry.Node.(*ast.ConstStmt)
	if !ok {
		return value.Unit, &ConstEvalError{Kind: ConstEvalUnsupported, Item: it, Msg: "malformed const node"}
	}
	ce.inProgress[key] = true
	v, err := ce.evalExpr(stmt.Value, entry.ModulePath)
	delete(ce.inProgress, key)
	if err != nil {
		return value.Unit, err
	}
	ce.results[key] = v
	return v, nil
}

func (ce *ConstEvaluator) step(it item.Item) error {
	ce.spent++
	if ce.spent > ce.budget {
		return &ConstEvalError{Kind: ConstEvalBudgetExceeded, Item: it}
	}
	return nil
}

func (ce *ConstEvaluator) evalExpr(expr ast.Expression, module item.Item) (value.Value, error) {
	if err := ce.step(module); err != nil {
		return value.Unit, err
	}
	switch e := expr.(type) {
	case *ast.IntLiteral:
		return value.Integer(e.Value), nil
	case *ast.FloatLiteral:
		return value.Float(e.Value), nil
	case *ast.BoolLiteral:
		return value.Bool(e.Value), nil
	case *ast.StringLiteral:
		return value.NewString(e.Value), nil
	case *ast.CharLiteral:
		return value.Char(e.Value), nil
	case *ast.NilLiteral:
		return value.Unit, nil

	case *ast.PrefixExpr:
		operand, err := ce.evalExpr(e.Right, module)
		if err != nil {
			return value.Unit, err
		}
		return ce.evalPrefix(e.Operator, operand, module)

	case *ast.InfixExpr:
		left, err := ce.evalExpr(e.Left, module)
		if err != nil {
			return value.Unit, err
		}
		right, err := ce.evalExpr(e.Right, module)
		if err != nil {
			return value.Unit, err
		}
		return ce.evalInfix(e.Operator, left, right, module)

	case *ast.IfExpr:
		cond, err := ce.evalExpr(e.Condition, module)
		if err != nil {
			return value.Unit, err
		}
		if cond.Truthy() {
			return ce.evalBlock(e.Then, module)
		}
		if e.Else != nil {
			return ce.evalExpr(e.Else, module)
		}
		return value.Unit, nil

	case *ast.BlockExpr:
		return ce.evalBlock(e, module)

	case *ast.ArrayLiteral:
		elems := make([]value.Value, len(e.Elements))
		for i, el := range e.Elements {
			v, err := ce.evalExpr(el, module)
			if err != nil {
				return value.Unit, err
			}
			elems[i] = v
		}
		return value.NewVec(elems), nil

	case *ast.TupleLiteral:
		elems := make([]value.Value, len(e.Elements))
		for i, el := range e.Elements {
			v, err := ce.evalExpr(el, module)
			if err != nil {
				return value.Unit, err
			}
			elems[i] = v
		}
		return value.NewTuple(elems), nil

	case *ast.Ident:
		v, err := ce.Eval(module.Child(e.Value))
		if err != nil {
			return value.Unit, err
		}
		return v, nil

	case *ast.PathExpr:
		target := item.Root(ce.idx.Crate)
		for _, seg := range e.Segments {
			target = target.Child(seg)
		}
		return ce.Eval(target)

	case *ast.AwaitExpr, *ast.YieldExpr:
		return value.Unit, &ConstEvalError{Kind: YieldInConst, Item: module}

	default:
		return value.Unit, &ConstEvalError{Kind: ConstEvalUnsupported, Item: module, Msg: fmt.Sprintf("%T", expr)}
	}
}

func (ce *ConstEvaluator) evalBlock(b *ast.BlockExpr, module item.Item) (value.Value, error) {
	for _, stmt := range b.Statements {
		if err := ce.step(module); err != nil {
			return value.Unit, err
		}
		switch s := stmt.(type) {
		case *ast.ExprStmt:
			if _, err := ce.evalExpr(s.Expression, module); err != nil {
				return value.Unit, err
			}
		case *ast.ReturnStmt:
			if s.Value != nil {
				return ce.evalExpr(s.Value, module)
			}
			return value.Unit, nil
		default:
			return value.Unit, &ConstEvalError{Kind: ConstEvalUnsupported, Item: module, Msg: fmt.Sprintf("%T", stmt)}
		}
	}
	if b.Tail != nil {
		return ce.evalExpr(b.Tail, module)
	}
	return value.Unit, nil
}

func (ce *ConstEvaluator) evalPrefix(op string, v value.Value, module item.Item) (value.Value, error) {
	switch op {
	case "-":
		if v.Tag == value.TagFloat {
			return value.Float(-v.AsFloat()), nil
		}
		return value.Integer(-v.AsInteger()), nil
	case "!":
		return value.Bool(!v.Truthy()), nil
	default:
		return value.Unit, &ConstEvalError{Kind: ConstEvalUnsupported, Item: module, Msg: "prefix " + op}
	}
}

func (ce *ConstEvaluator) evalInfix(op string, l, r value.Value, module item.Item) (value.Value, error) {
	bothFloat := l.Tag == value.TagFloat || r.Tag == value.TagFloat
	asF := func(v value.Value) float64 {
		if v.Tag == value.TagFloat {
			return v.AsFloat()
		}
		return float64(v.AsInteger())
	}
	switch op {
	case "+":
		if bothFloat {
			return value.Float(asF(l) + asF(r)), nil
		}
		return value.Integer(l.AsInteger() + r.AsInteger()), nil
	case "-":
		if bothFloat {
			return value.Float(asF(l) - asF(r)), nil
		}
		return value.Integer(l.AsInteger() - r.AsInteger()), nil
	case "*":
		if bothFloat {
			return value.Float(asF(l) * asF(r)), nil
		}
		return value.Integer(l.AsInteger() * r.AsInteger()), nil
	case "/":
		if bothFloat {
			return value.Float(asF(l) / asF(r)), nil
		}
		if r.AsInteger() == 0 {
			return value.Unit, &ConstEvalError{Kind: ConstEvalUnsupported, Item: module, Msg: "division by zero"}
		}
		return value.Integer(l.AsInteger() / r.AsInteger()), nil
	case "%":
		return value.Integer(l.AsInteger() % r.AsInteger()), nil
	case "==":
		return value.Bool(constEquals(l, r)), nil
	case "!=":
		return value.Bool(!constEquals(l, r)), nil
	case "<":
		return value.Bool(asF(l) < asF(r)), nil
	case "<=":
		return value.Bool(asF(l) <= asF(r)), nil
	case ">":
		return value.Bool(asF(l) > asF(r)), nil
	case ">=":
		return value.Bool(asF(l) >= asF(r)), nil
	case "&&":
		return value.Bool(l.Truthy() && r.Truthy()), nil
	case "||":
		return value.Bool(l.Truthy() || r.Truthy()), nil
	default:
		return value.Unit, &ConstEvalError{Kind: ConstEvalUnsupported, Item: module, Msg: "infix " + op}
	}
}

func constEquals(l, r value.Value) bool {
	if l.Tag != r.Tag {
		return false
	}
	switch l.Tag {
	case value.TagFloat:
		return l.AsFloat() == r.AsFloat()
	case value.TagString:
		return l.Cell().Data.(string) == r.Cell().Data.(string)
	default:
		return l.AsInteger() == r.AsInteger()
	}
}

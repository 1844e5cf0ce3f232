// Package ruledsl implements the small expression language used by custom
// policy rules: comparisons over dotted context paths combined with boolean
// operators in symbolic (&&, ||, !) or word (and, or, not) form.
//
// The language is deliberately tiny and has no side effects. A malformed
// expression evaluates to false — a broken rule fails closed for that rule,
// it never takes down the whole gate. Missing context paths resolve to nil
// and never panic.
package ruledsl

import "strings"

// Node is a parsed expression. The concrete types form a closed set:
// Literal, Path, Not, Compare, And, Or.
type Node interface {
	eval(ctx map[string]any) any
}

// Literal is a number, string, or boolean constant.
type Literal struct {
	Value any
}

// Path is a dotted identifier resolved against the context map.
type Path struct {
	Segments []string
}

// Not negates the truthiness of its operand.
type Not struct {
	X Node
}

// Compare applies a comparison operator to two operands.
type Compare struct {
	Op    string // == != > >= < <=
	Left  Node
	Right Node
}

// And is short-circuit conjunction.
type And struct {
	Left  Node
	Right Node
}

// Or is short-circuit disjunction.
type Or struct {
	Left  Node
	Right Node
}

func (l Literal) eval(map[string]any) any { return l.Value }

func (p Path) eval(ctx map[string]any) any {
	var cur any = ctx
	for _, seg := range p.Segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func (n Not) eval(ctx map[string]any) any { return !truthy(n.X.eval(ctx)) }

func (c Compare) eval(ctx map[string]any) any {
	return compare(c.Op, c.Left.eval(ctx), c.Right.eval(ctx))
}

func (a And) eval(ctx map[string]any) any {
	return truthy(a.Left.eval(ctx)) && truthy(a.Right.eval(ctx))
}

func (o Or) eval(ctx map[string]any) any {
	return truthy(o.Left.eval(ctx)) || truthy(o.Right.eval(ctx))
}

func newPath(ident string) Path {
	return Path{Segments: strings.Split(ident, ".")}
}

package ruledsl

import (
	"fmt"
	"strconv"
)

// Parse builds the AST for expr. Grammar, loosest binding first:
//
//	or         := and ( ("||" | "or") and )*
//	and        := unary ( ("&&" | "and") unary )*
//	unary      := ("!" | "not") unary | comparison
//	comparison := primary ( ("=="|"!="|">"|">="|"<"|"<=") primary )?
//	primary    := literal | path | "(" or ")"
//
// A bare primary with no comparison operator is coerced to boolean at
// evaluation time.
func Parse(expr string) (Node, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenEOF {
		return nil, fmt.Errorf("ruledsl: unexpected token %q at offset %d", p.peek().text, p.peek().pos)
	}
	return node, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.peek().kind == tokenNot {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{X: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokenOp {
		op := p.next().text
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return Compare{Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokenNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("ruledsl: bad number %q at offset %d", t.text, t.pos)
		}
		return Literal{Value: f}, nil
	case tokenString:
		return Literal{Value: t.text}, nil
	case tokenBool:
		return Literal{Value: t.text == "true"}, nil
	case tokenIdent:
		return newPath(t.text), nil
	case tokenLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokenRParen {
			return nil, fmt.Errorf("ruledsl: missing ')' at offset %d", p.peek().pos)
		}
		p.next()
		return inner, nil
	case tokenEOF:
		return nil, fmt.Errorf("ruledsl: unexpected end of expression")
	default:
		return nil, fmt.Errorf("ruledsl: unexpected token %q at offset %d", t.text, t.pos)
	}
}

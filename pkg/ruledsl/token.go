package ruledsl

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenBool
	tokenOp     // == != > >= < <=
	tokenAnd    // && or word "and"
	tokenOr     // || or word "or"
	tokenNot    // ! or word "not"
	tokenLParen
	tokenRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokenEOF {
		return "<eof>"
	}
	return t.text
}

// tokenize splits a rule expression into tokens. Identifiers are dotted paths
// (ctx.amount), strings take single or double quotes with backslash escapes.
func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{tokenLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokenRParen, ")", i})
			i++
		case c == '&':
			if i+1 >= len(input) || input[i+1] != '&' {
				return nil, fmt.Errorf("ruledsl: stray '&' at offset %d", i)
			}
			tokens = append(tokens, token{tokenAnd, "&&", i})
			i += 2
		case c == '|':
			if i+1 >= len(input) || input[i+1] != '|' {
				return nil, fmt.Errorf("ruledsl: stray '|' at offset %d", i)
			}
			tokens = append(tokens, token{tokenOr, "||", i})
			i += 2
		case c == '=':
			if i+1 >= len(input) || input[i+1] != '=' {
				return nil, fmt.Errorf("ruledsl: stray '=' at offset %d (did you mean '==')", i)
			}
			tokens = append(tokens, token{tokenOp, "==", i})
			i += 2
		case c == '!':
			if i+1 < len(input) && input[i+1] == '=' {
				tokens = append(tokens, token{tokenOp, "!=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tokenNot, "!", i})
				i++
			}
		case c == '>' || c == '<':
			if i+1 < len(input) && input[i+1] == '=' {
				tokens = append(tokens, token{tokenOp, string(c) + "=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tokenOp, string(c), i})
				i++
			}
		case c == '\'' || c == '"':
			lit, next, err := scanString(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tokenString, lit, i})
			i = next
		case c >= '0' && c <= '9':
			start := i
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokenNumber, input[start:i], start})
		case isIdentStart(rune(c)):
			start := i
			for i < len(input) && isIdentPart(rune(input[i])) {
				i++
			}
			word := input[start:i]
			switch strings.ToLower(word) {
			case "and":
				tokens = append(tokens, token{tokenAnd, word, start})
			case "or":
				tokens = append(tokens, token{tokenOr, word, start})
			case "not":
				tokens = append(tokens, token{tokenNot, word, start})
			case "true", "false":
				tokens = append(tokens, token{tokenBool, strings.ToLower(word), start})
			default:
				tokens = append(tokens, token{tokenIdent, word, start})
			}
		default:
			return nil, fmt.Errorf("ruledsl: unexpected character %q at offset %d", c, i)
		}
	}
	tokens = append(tokens, token{tokenEOF, "", len(input)})
	return tokens, nil
}

// scanString consumes a quoted literal starting at input[start] and returns
// the unescaped value and the offset past the closing quote.
func scanString(input string, start int) (string, int, error) {
	quote := input[start]
	var sb strings.Builder
	i := start + 1
	for i < len(input) {
		c := input[i]
		if c == '\\' {
			if i+1 >= len(input) {
				return "", 0, fmt.Errorf("ruledsl: dangling escape at offset %d", i)
			}
			next := input[i+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(next)
			}
			i += 2
			continue
		}
		if c == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteByte(c)
		i++
	}
	return "", 0, fmt.Errorf("ruledsl: unterminated string starting at offset %d", start)
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}

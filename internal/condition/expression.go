package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parse compiles the shorthand text form of a condition into a Tree.
//
//	drop >= 3 AND (keyword == "shoes" OR keyword contains "boot")
//	meta.campaign exists
//
// The grammar has comparisons, AND, OR and parentheses only. The left side
// of a comparison is always a field path and the right side a literal.
func Parse(expr string) (Tree, error) {
	if strings.TrimSpace(expr) == "" {
		return Tree{}, nil
	}
	tokens, err := tokenize(expr)
	if err != nil {
		return Tree{}, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return Tree{}, err
	}
	if p.peek().kind != tokEOF {
		return Tree{}, fmt.Errorf("unexpected token %q after expression", p.peek().val)
	}
	return node, nil
}

// -----------------------------------------------------------------------
// Tokenizer
// -----------------------------------------------------------------------

type tokenKind int

const (
	tokWord   tokenKind = iota // identifier or keyword
	tokOp                      // ==, !=, >=, <=, >, <
	tokString                  // "…" or '…'
	tokNumber                  // 42 | 3.14
	tokBool                    // true | false
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	val  string
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		ch := expr[i]
		if unicode.IsSpace(rune(ch)) {
			i++
			continue
		}
		if ch == '(' {
			tokens = append(tokens, token{tokLParen, "("})
			i++
			continue
		}
		if ch == ')' {
			tokens = append(tokens, token{tokRParen, ")"})
			i++
			continue
		}
		if ch == '=' || ch == '!' || ch == '<' || ch == '>' {
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{tokOp, expr[i : i+2]})
				i += 2
			} else {
				tokens = append(tokens, token{tokOp, string(ch)})
				i++
			}
			continue
		}
		if ch == '"' || ch == '\'' {
			quote := ch
			j := i + 1
			for j < len(expr) && expr[j] != quote {
				if expr[j] == '\\' {
					j++ // skip escaped char
				}
				j++
			}
			if j >= len(expr) {
				return nil, fmt.Errorf("unterminated string starting at position %d", i)
			}
			inner := expr[i+1 : j]
			inner = strings.ReplaceAll(inner, `\"`, `"`)
			inner = strings.ReplaceAll(inner, `\'`, `'`)
			inner = strings.ReplaceAll(inner, `\\`, `\`)
			tokens = append(tokens, token{tokString, inner})
			i = j + 1
			continue
		}
		if unicode.IsDigit(rune(ch)) || (ch == '-' && i+1 < len(expr) && unicode.IsDigit(rune(expr[i+1]))) {
			j := i
			if expr[j] == '-' {
				j++
			}
			for j < len(expr) && (unicode.IsDigit(rune(expr[j])) || expr[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokNumber, expr[i:j]})
			i = j
			continue
		}
		if unicode.IsLetter(rune(ch)) || ch == '_' {
			j := i
			for j < len(expr) && (unicode.IsLetter(rune(expr[j])) || unicode.IsDigit(rune(expr[j])) || expr[j] == '_' || expr[j] == '.') {
				j++
			}
			word := expr[i:j]
			switch strings.ToLower(word) {
			case "true", "false":
				tokens = append(tokens, token{tokBool, strings.ToLower(word)})
			default:
				tokens = append(tokens, token{tokWord, word})
			}
			i = j
			continue
		}
		return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
	}
	tokens = append(tokens, token{tokEOF, ""})
	return tokens, nil
}

// -----------------------------------------------------------------------
// Recursive-descent parser
// -----------------------------------------------------------------------

var symbolOps = map[string]Operator{
	"==": OpEquals,
	"!=": OpNotEquals,
	">":  OpGt,
	">=": OpGte,
	"<":  OpLt,
	"<=": OpLte,
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) consume() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokWord && strings.EqualFold(t.val, kw)
}

// or_expr = and_expr ( "OR" and_expr )*
func (p *parser) parseOr() (Tree, error) {
	first, err := p.parseAnd()
	if err != nil {
		return Tree{}, err
	}
	children := []Tree{first}
	for p.keyword("OR") {
		p.consume()
		next, err := p.parseAnd()
		if err != nil {
			return Tree{}, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return Any(children...), nil
}

// and_expr = primary ( "AND" primary )*
func (p *parser) parseAnd() (Tree, error) {
	first, err := p.parsePrimary()
	if err != nil {
		return Tree{}, err
	}
	children := []Tree{first}
	for p.keyword("AND") {
		p.consume()
		next, err := p.parsePrimary()
		if err != nil {
			return Tree{}, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return All(children...), nil
}

// primary = "(" or_expr ")" | comparison
func (p *parser) parsePrimary() (Tree, error) {
	if p.keyword("NOT") {
		return Tree{}, fmt.Errorf("NOT is not supported; use != or restructure the condition")
	}
	if p.peek().kind == tokLParen {
		p.consume()
		inner, err := p.parseOr()
		if err != nil {
			return Tree{}, err
		}
		if t := p.peek(); t.kind != tokRParen {
			return Tree{}, fmt.Errorf("expected \")\" but got %q", t.val)
		}
		p.consume()
		return inner, nil
	}
	return p.parseComparison()
}

// comparison = field ( op literal | "contains" literal | "exists" )
func (p *parser) parseComparison() (Tree, error) {
	t := p.peek()
	if t.kind != tokWord {
		return Tree{}, fmt.Errorf("expected field path, got %q", t.val)
	}
	field := p.consume().val

	t = p.peek()
	var op Operator
	switch {
	case t.kind == tokOp:
		mapped, ok := symbolOps[t.val]
		if !ok {
			return Tree{}, fmt.Errorf("unknown operator %q", t.val)
		}
		op = mapped
	case t.kind == tokWord && strings.EqualFold(t.val, "contains"):
		op = OpContains
	case t.kind == tokWord && strings.EqualFold(t.val, "exists"):
		p.consume()
		return Leaf(field, OpExists, nil), nil
	default:
		return Tree{}, fmt.Errorf("expected comparison operator, got %q", t.val)
	}
	p.consume()

	value, err := p.parseLiteral()
	if err != nil {
		return Tree{}, err
	}
	return Leaf(field, op, value), nil
}

func (p *parser) parseLiteral() (interface{}, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.consume()
		return t.val, nil
	case tokNumber:
		p.consume()
		f, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.val)
		}
		return f, nil
	case tokBool:
		p.consume()
		return t.val == "true", nil
	case tokWord:
		return nil, fmt.Errorf("right-hand side must be a literal, got field %q", t.val)
	default:
		return nil, fmt.Errorf("expected literal, got %q", t.val)
	}
}

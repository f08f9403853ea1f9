package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Condition expressions gate steps on prior step results. The grammar
// is a strict whitelist evaluated over a read-only environment rooted
// at {stepID: {success, result}}; there is no dynamic code evaluation.
//
//	Expr   := Or
//	Or     := And ("or" And)*
//	And    := Not ("and" Not)*
//	Not    := "not" Atom | Atom
//	Atom   := Comparison | "(" Expr ")" | Bool | FieldAccess
//	Comparison := FieldAccess CmpOp (Literal | FieldAccess)
//	FieldAccess := Ident ("." Ident)*

// undefined is the value of any missing field. It compares unequal to
// everything and is falsy, so missing-field conditions skip the step
// rather than erroring.
type undefinedValue struct{}

func (undefinedValue) String() string { return "undefined" }

// Condition is a parsed, reusable expression.
type Condition struct {
	Source string
	root   exprNode
}

// ParseCondition compiles an expression. A parse error names the
// offending token and position.
func ParseCondition(src string) (*Condition, error) {
	tokens, err := lexCondition(src)
	if err != nil {
		return nil, err
	}
	p := &condParser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("condition %q: unexpected %q at offset %d", src, p.peek().text, p.peek().pos)
	}
	return &Condition{Source: src, root: root}, nil
}

// Eval interprets the expression over env. The second return reports
// whether any field access hit a missing path, so the caller can warn.
func (c *Condition) Eval(env map[string]any) (bool, bool) {
	e := &condEval{env: env}
	return truthy(e.eval(c.root)), e.sawUndefined
}

// Tokens.

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenNumber
	tokenString
	tokenOp    // == != < > <= >=
	tokenPunct // ( ) .
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lexCondition(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		ch := rune(src[i])
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(' || ch == ')' || ch == '.':
			tokens = append(tokens, token{tokenPunct, string(ch), i})
			i++
		case ch == '\'' || ch == '"':
			quote := src[i]
			end := strings.IndexByte(src[i+1:], quote)
			if end < 0 {
				return nil, fmt.Errorf("condition %q: unterminated string at offset %d", src, i)
			}
			tokens = append(tokens, token{tokenString, src[i+1 : i+1+end], i})
			i += end + 2
		case strings.HasPrefix(src[i:], "==") || strings.HasPrefix(src[i:], "!=") ||
			strings.HasPrefix(src[i:], "<=") || strings.HasPrefix(src[i:], ">="):
			tokens = append(tokens, token{tokenOp, src[i : i+2], i})
			i += 2
		case ch == '<' || ch == '>':
			tokens = append(tokens, token{tokenOp, string(ch), i})
			i++
		case unicode.IsDigit(ch) || (ch == '-' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			j := i + 1
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			if _, err := strconv.ParseFloat(src[i:j], 64); err != nil {
				return nil, fmt.Errorf("condition %q: bad number %q at offset %d", src, src[i:j], i)
			}
			tokens = append(tokens, token{tokenNumber, src[i:j], i})
			i = j
		case unicode.IsLetter(ch) || ch == '_':
			j := i + 1
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '-') {
				j++
			}
			tokens = append(tokens, token{tokenIdent, src[i:j], i})
			i = j
		default:
			return nil, fmt.Errorf("condition %q: unexpected character %q at offset %d", src, ch, i)
		}
	}
	return tokens, nil
}

// AST.

type exprNode interface{}

type boolNode bool

type numberNode float64

type stringNode string

type nullNode struct{}

type fieldNode struct {
	path []string
}

type compareNode struct {
	op          string
	left, right exprNode
}

type notNode struct {
	inner exprNode
}

type andNode struct {
	terms []exprNode
}

type orNode struct {
	terms []exprNode
}

// Parser.

type condParser struct {
	tokens []token
	pos    int
}

func (p *condParser) atEnd() bool { return p.pos >= len(p.tokens) }

func (p *condParser) peek() token {
	if p.atEnd() {
		return token{tokenPunct, "<end>", -1}
	}
	return p.tokens[p.pos]
}

func (p *condParser) acceptIdent(word string) bool {
	if !p.atEnd() && p.tokens[p.pos].kind == tokenIdent && p.tokens[p.pos].text == word {
		p.pos++
		return true
	}
	return false
}

func (p *condParser) acceptPunct(text string) bool {
	if !p.atEnd() && p.tokens[p.pos].kind == tokenPunct && p.tokens[p.pos].text == text {
		p.pos++
		return true
	}
	return false
}

func (p *condParser) parseOr() (exprNode, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []exprNode{first}
	for p.acceptIdent("or") {
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return orNode{terms}, nil
}

func (p *condParser) parseAnd() (exprNode, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	terms := []exprNode{first}
	for p.acceptIdent("and") {
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return andNode{terms}, nil
}

func (p *condParser) parseNot() (exprNode, error) {
	if p.acceptIdent("not") {
		inner, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	return p.parseAtom()
}

func (p *condParser) parseAtom() (exprNode, error) {
	if p.acceptPunct("(") {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.acceptPunct(")") {
			return nil, fmt.Errorf("missing ) at offset %d", p.peek().pos)
		}
		return inner, nil
	}

	tok := p.peek()
	switch tok.kind {
	case tokenIdent:
		switch tok.text {
		case "true":
			p.pos++
			return boolNode(true), nil
		case "false":
			p.pos++
			return boolNode(false), nil
		case "null":
			p.pos++
			return nullNode{}, nil
		case "and", "or", "not":
			return nil, fmt.Errorf("unexpected keyword %q at offset %d", tok.text, tok.pos)
		}
		field, err := p.parseField()
		if err != nil {
			return nil, err
		}
		// A field may stand alone (truthiness) or start a comparison.
		if !p.atEnd() && p.peek().kind == tokenOp {
			op := p.peek().text
			p.pos++
			right, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			return compareNode{op: op, left: field, right: right}, nil
		}
		return field, nil
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
}

// parseOperand is the right side of a comparison: a literal or another
// field access.
func (p *condParser) parseOperand() (exprNode, error) {
	tok := p.peek()
	switch tok.kind {
	case tokenNumber:
		p.pos++
		n, _ := strconv.ParseFloat(tok.text, 64)
		return numberNode(n), nil
	case tokenString:
		p.pos++
		return stringNode(tok.text), nil
	case tokenIdent:
		switch tok.text {
		case "true":
			p.pos++
			return boolNode(true), nil
		case "false":
			p.pos++
			return boolNode(false), nil
		case "null":
			p.pos++
			return nullNode{}, nil
		}
		return p.parseField()
	default:
		return nil, fmt.Errorf("expected literal or field after operator, got %q at offset %d", tok.text, tok.pos)
	}
}

func (p *condParser) parseField() (exprNode, error) {
	tok := p.peek()
	if tok.kind != tokenIdent {
		return nil, fmt.Errorf("expected field, got %q at offset %d", tok.text, tok.pos)
	}
	p.pos++
	path := []string{tok.text}
	for p.acceptPunct(".") {
		next := p.peek()
		if next.kind != tokenIdent {
			return nil, fmt.Errorf("expected field segment after '.', got %q at offset %d", next.text, next.pos)
		}
		p.pos++
		path = append(path, next.text)
	}
	return fieldNode{path}, nil
}

// Evaluator.

type condEval struct {
	env          map[string]any
	sawUndefined bool
}

func (e *condEval) eval(node exprNode) any {
	switch n := node.(type) {
	case boolNode:
		return bool(n)
	case numberNode:
		return float64(n)
	case stringNode:
		return string(n)
	case nullNode:
		return nil
	case fieldNode:
		return e.lookup(n.path)
	case notNode:
		return !truthy(e.eval(n.inner))
	case andNode:
		for _, term := range n.terms {
			if !truthy(e.eval(term)) {
				return false
			}
		}
		return true
	case orNode:
		for _, term := range n.terms {
			if truthy(e.eval(term)) {
				return true
			}
		}
		return false
	case compareNode:
		return compare(n.op, e.eval(n.left), e.eval(n.right))
	default:
		return undefinedValue{}
	}
}

func (e *condEval) lookup(path []string) any {
	var current any = e.env
	for _, segment := range path {
		m, ok := current.(map[string]any)
		if !ok {
			e.sawUndefined = true
			return undefinedValue{}
		}
		current, ok = m[segment]
		if !ok {
			e.sawUndefined = true
			return undefinedValue{}
		}
	}
	return current
}

// truthy maps a value to the boolean the grammar's operators use.
// undefined and null are false.
func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		return x != ""
	case undefinedValue, nil:
		return false
	default:
		return true
	}
}

// compare applies a comparison operator. undefined compares unequal to
// everything; ordered comparisons across mismatched types are false.
func compare(op string, left, right any) bool {
	_, leftUndef := left.(undefinedValue)
	_, rightUndef := right.(undefinedValue)
	if leftUndef || rightUndef {
		return op == "!=" && !(leftUndef && rightUndef)
	}

	switch op {
	case "==":
		return looseEqual(left, right)
	case "!=":
		return !looseEqual(left, right)
	}

	lnum, lok := asNumber(left)
	rnum, rok := asNumber(right)
	if lok && rok {
		switch op {
		case "<":
			return lnum < rnum
		case ">":
			return lnum > rnum
		case "<=":
			return lnum <= rnum
		case ">=":
			return lnum >= rnum
		}
	}
	lstr, lok := left.(string)
	rstr, rok := right.(string)
	if lok && rok {
		switch op {
		case "<":
			return lstr < rstr
		case ">":
			return lstr > rstr
		case "<=":
			return lstr <= rstr
		case ">=":
			return lstr >= rstr
		}
	}
	return false
}

func looseEqual(left, right any) bool {
	if lnum, ok := asNumber(left); ok {
		if rnum, ok := asNumber(right); ok {
			return lnum == rnum
		}
		return false
	}
	return left == right
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

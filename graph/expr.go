package graph

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The edge-expression language is a deliberately small subset: boolean
// operators (and/or/not, with &&/||/! accepted as aliases), comparisons,
// parentheses, string/number/bool literals, memory-key references, and the
// builtins str, len, lower. There is no attribute access and no function
// invocation outside that allowlist. Evaluation is pure and never panics;
// missing keys evaluate as absent, which is falsy and compares unequal to
// everything.
//
// Truthiness is strict for strings: only "true" and "false"
// (case-insensitive) carry a boolean meaning. Graphs that used arbitrary
// truthy strings for loop flags must migrate to boolean keys.

// Expr is a parsed edge condition, ready for repeated evaluation.
type Expr struct {
	root exprNode
	src  string
}

// ParseExpr parses an edge condition expression. The returned Expr is
// immutable and safe for concurrent evaluation.
func ParseExpr(src string) (*Expr, error) {
	toks, err := lexExpr(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks, src: src}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("expression %q: unexpected %q", src, p.peek().text)
	}
	return &Expr{root: root, src: src}, nil
}

// String returns the original expression source.
func (e *Expr) String() string { return e.src }

// Eval evaluates the expression against memory. The result is a plain Go
// value; callers apply truthy to derive the guard decision.
func (e *Expr) Eval(mem *Memory) interface{} {
	v := e.root.eval(mem)
	if _, isAbsent := v.(absentValue); isAbsent {
		return nil
	}
	return v
}

// absentValue marks a missing memory key. It is falsy and unequal to every
// value including nil, so `missing == false` does not accidentally hold.
type absentValue struct{}

// truthy converts an evaluated value to the guard decision. Bools are
// themselves; strings carry meaning only as "true"/"false"; numbers are
// truthy when non-zero; containers when non-empty; absent and nil are false.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil, absentValue:
		return false
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case map[string]interface{}:
		return len(t) > 0
	case []interface{}:
		return len(t) > 0
	default:
		return false
	}
}

// --- AST ---

type exprNode interface {
	eval(mem *Memory) interface{}
}

type literalNode struct{ value interface{} }

func (n literalNode) eval(*Memory) interface{} { return n.value }

// keyNode resolves a memory key. The full dotted name is tried first so
// keys that themselves contain dots win; otherwise each dot descends into
// a nested map.
type keyNode struct{ name string }

func (n keyNode) eval(mem *Memory) interface{} {
	if mem == nil {
		return absentValue{}
	}
	if v, ok := mem.Read(n.name); ok {
		return v
	}
	parts := strings.Split(n.name, ".")
	if len(parts) == 1 {
		return absentValue{}
	}
	v, ok := mem.Read(parts[0])
	if !ok {
		return absentValue{}
	}
	for _, p := range parts[1:] {
		m, isMap := v.(map[string]interface{})
		if !isMap {
			return absentValue{}
		}
		v, ok = m[p]
		if !ok {
			return absentValue{}
		}
	}
	return v
}

type notNode struct{ inner exprNode }

func (n notNode) eval(mem *Memory) interface{} { return !truthy(n.inner.eval(mem)) }

type boolOpNode struct {
	op    string // "and" | "or"
	left  exprNode
	right exprNode
}

func (n boolOpNode) eval(mem *Memory) interface{} {
	l := truthy(n.left.eval(mem))
	if n.op == "and" {
		return l && truthy(n.right.eval(mem))
	}
	return l || truthy(n.right.eval(mem))
}

type compareNode struct {
	op    string
	left  exprNode
	right exprNode
}

func (n compareNode) eval(mem *Memory) interface{} {
	l := n.left.eval(mem)
	r := n.right.eval(mem)
	return compareValues(n.op, l, r)
}

// callNode is a builtin invocation. Only str, len, and lower exist; the
// parser rejects anything else, so eval can assume a known name.
type callNode struct {
	name string
	arg  exprNode
}

func (n callNode) eval(mem *Memory) interface{} {
	v := n.arg.eval(mem)
	switch n.name {
	case "str":
		if _, isAbsent := v.(absentValue); isAbsent {
			return ""
		}
		return stringify(v)
	case "len":
		switch t := v.(type) {
		case string:
			return len(t)
		case map[string]interface{}:
			return len(t)
		case []interface{}:
			return len(t)
		default:
			return 0
		}
	case "lower":
		if s, ok := v.(string); ok {
			return strings.ToLower(s)
		}
		return strings.ToLower(stringify(v))
	}
	return absentValue{}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil, absentValue:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// compareValues applies a comparison with lenient typing: numbers compare
// across int/float64, strings lexicographically, bools by equality.
// Type-mismatched or unordered comparisons are false rather than errors so
// a malformed graph routes down its fallback edge instead of crashing.
func compareValues(op string, l, r interface{}) bool {
	_, lAbsent := l.(absentValue)
	_, rAbsent := r.(absentValue)
	if lAbsent || rAbsent {
		// Absent equals nothing and orders nowhere. != is true because
		// the key genuinely differs from any concrete value.
		return op == "!="
	}

	if lf, lok := toFloat(l); lok {
		if rf, rok := toFloat(r); rok {
			switch op {
			case "==":
				return lf == rf
			case "!=":
				return lf != rf
			case "<":
				return lf < rf
			case "<=":
				return lf <= rf
			case ">":
				return lf > rf
			case ">=":
				return lf >= rf
			}
			return false
		}
	}

	if ls, lok := l.(string); lok {
		if rs, rok := r.(string); rok {
			switch op {
			case "==":
				return ls == rs
			case "!=":
				return ls != rs
			case "<":
				return ls < rs
			case "<=":
				return ls <= rs
			case ">":
				return ls > rs
			case ">=":
				return ls >= rs
			}
			return false
		}
	}

	if lb, lok := l.(bool); lok {
		if rb, rok := r.(bool); rok {
			switch op {
			case "==":
				return lb == rb
			case "!=":
				return lb != rb
			}
			return false
		}
	}

	// Mixed or unsupported types: only (in)equality has an answer.
	switch op {
	case "==":
		return false
	case "!=":
		return true
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp     // == != < <= > >= && || !
	tokLParen
	tokRParen
	tokComma
)

type exprToken struct {
	kind  tokenKind
	text  string
	num   float64
	isInt bool
}

func lexExpr(src string) ([]exprToken, error) {
	var toks []exprToken
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, exprToken{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, exprToken{kind: tokRParen, text: ")"})
			i++
		case c == ',':
			toks = append(toks, exprToken{kind: tokComma, text: ","})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("expression %q: unterminated string literal", src)
			}
			toks = append(toks, exprToken{kind: tokString, text: sb.String()})
			i = j + 1
		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, exprToken{kind: tokOp, text: src[i : i+2]})
				i += 2
			} else if c == '=' {
				return nil, fmt.Errorf("expression %q: single '=' is not a comparison, use '=='", src)
			} else {
				toks = append(toks, exprToken{kind: tokOp, text: string(c)})
				i++
			}
		case c == '&' || c == '|':
			if i+1 < len(src) && src[i+1] == c {
				toks = append(toks, exprToken{kind: tokOp, text: src[i : i+2]})
				i += 2
			} else {
				return nil, fmt.Errorf("expression %q: unexpected %q", src, string(c))
			}
		case c >= '0' && c <= '9' || (c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9'):
			j := i + 1
			isInt := true
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				if src[j] == '.' {
					isInt = false
				}
				j++
			}
			f, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("expression %q: bad number %q", src, src[i:j])
			}
			toks = append(toks, exprToken{kind: tokNumber, text: src[i:j], num: f, isInt: isInt})
			i = j
		case isIdentStart(rune(c)):
			j := i + 1
			for j < len(src) && isIdentPart(rune(src[j])) {
				j++
			}
			toks = append(toks, exprToken{kind: tokIdent, text: src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("expression %q: unexpected character %q", src, string(c))
		}
	}
	toks = append(toks, exprToken{kind: tokEOF})
	return toks, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// --- parser ---

type exprParser struct {
	toks []exprToken
	pos  int
	src  string
}

func (p *exprParser) peek() exprToken { return p.toks[p.pos] }
func (p *exprParser) next() exprToken { t := p.toks[p.pos]; p.pos++; return t }
func (p *exprParser) atEnd() bool     { return p.peek().kind == tokEOF }

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.matchKeyword("or") || p.matchOp("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = boolOpNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.matchKeyword("and") || p.matchOp("&&") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = boolOpNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseNot() (exprNode, error) {
	if p.matchKeyword("not") || p.matchOp("!") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (exprNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			return compareNode{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *exprParser) parseTerm() (exprNode, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		if t.isInt {
			return literalNode{value: int(t.num)}, nil
		}
		return literalNode{value: t.num}, nil
	case tokString:
		p.next()
		return literalNode{value: t.text}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expression %q: missing closing parenthesis", p.src)
		}
		p.next()
		return inner, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			p.next()
			return literalNode{value: true}, nil
		case "false":
			p.next()
			return literalNode{value: false}, nil
		case "none", "null":
			p.next()
			return literalNode{value: nil}, nil
		case "str", "len", "lower":
			// A builtin only when followed by a call; a bare name like
			// a memory key called "len" still resolves as a key.
			if p.toks[p.pos+1].kind == tokLParen {
				name := strings.ToLower(t.text)
				p.next()
				p.next() // consume '('
				arg, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				if p.peek().kind != tokRParen {
					return nil, fmt.Errorf("expression %q: missing ')' after %s(", p.src, name)
				}
				p.next()
				return callNode{name: name, arg: arg}, nil
			}
			p.next()
			return keyNode{name: t.text}, nil
		default:
			p.next()
			if p.peek().kind == tokLParen {
				return nil, fmt.Errorf("expression %q: function %q is not allowed (builtins: str, len, lower)", p.src, t.text)
			}
			return keyNode{name: t.text}, nil
		}
	default:
		return nil, fmt.Errorf("expression %q: unexpected %q", p.src, t.text)
	}
}

func (p *exprParser) matchKeyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.next()
		return true
	}
	return false
}

func (p *exprParser) matchOp(op string) bool {
	t := p.peek()
	if t.kind == tokOp && t.text == op {
		p.next()
		return true
	}
	return false
}

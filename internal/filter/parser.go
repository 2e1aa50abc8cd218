package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// ParseError reports a malformed filter expression string.
type ParseError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("filter: %s at %d in %q", e.Msg, e.Pos, e.Input)
}

// atomSpec describes one mitmproxy-style atom tag (after '~'): its Kind and
// whether it expects a trailing argument. atomTable maps each tag to its spec.
type atomSpec struct {
	kind    Kind
	takesRE bool
	takesU16 bool
	dir     Direction
}

var atomTable = map[string]atomSpec{
	"a":   {kind: KindAsset},
	"all": {kind: KindAll},
	"bq":  {kind: KindBody, takesRE: true, dir: DirRequest},
	"bs":  {kind: KindBody, takesRE: true, dir: DirResponse},
	"c":   {kind: KindHttpResponseCode, takesU16: true},
	"comment": {kind: KindComment, takesRE: true},
	"d":   {kind: KindDomain, takesRE: true},
	"dns": {kind: KindDNS},
	"dst": {kind: KindDestination, takesRE: true},
	"e":   {kind: KindError},
	"h":   {kind: KindHeader, takesRE: true, dir: DirBoth},
	"hq":  {kind: KindHeader, takesRE: true, dir: DirRequest},
	"hs":  {kind: KindHeader, takesRE: true, dir: DirResponse},
	"http": {kind: KindHTTP},
	"m":   {kind: KindMethod, takesRE: true},
	"marked":  {kind: KindMarked},
	"marker":  {kind: KindMarker, takesRE: true},
	"meta":    {kind: KindMeta, takesRE: true},
	"q":   {kind: KindDirection, dir: DirRequest},
	"s":   {kind: KindDirection, dir: DirResponse},
	"replayq": {kind: KindReplay, dir: DirRequest},
	"replays": {kind: KindReplay, dir: DirResponse},
	"src": {kind: KindSource, takesRE: true},
	"t":   {kind: KindContentType, takesRE: true, dir: DirBoth},
	"tq":  {kind: KindContentType, takesRE: true, dir: DirRequest},
	"ts":  {kind: KindContentType, takesRE: true, dir: DirResponse},
	"tcp": {kind: KindTCP},
	"u":   {kind: KindUrl, takesRE: true},
	"udp": {kind: KindUDP},
	"websocket": {kind: KindWebsocket},
}

// Parse compiles a mitmproxy-compatible boolean filter expression. The
// result is an OR-of-ANDs canonical form: the top-level node is always an
// Or node (length 1 when the input has no top-level '|').
func Parse(s string) (*Expression, error) {
	p := &parser{input: s}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, &ParseError{Input: s, Pos: p.pos, Msg: "unexpected trailing input"}
	}
	return &Expression{root: toCanonicalOr(node)}, nil
}

// toCanonicalOr flattens the parsed tree's top level into an Or<And> shape
// when it isn't already one, so Evaluator.root is always an Or node.
func toCanonicalOr(n *Node) *Node {
	if len(n.Or) > 0 {
		return n
	}
	return &Node{Or: []*Node{n}}
}

type parser struct {
	input string
	pos   int
}

func (p *parser) parseOr() (*Node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []*Node{first}
	for {
		p.skipSpace()
		if !p.consumeByte('|') {
			break
		}
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return &Node{Or: terms}, nil
}

func (p *parser) parseAnd() (*Node, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []*Node{first}
	for {
		p.skipSpace()
		if !p.consumeByte('&') {
			break
		}
		next, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return &Node{And: terms}, nil
}

func (p *parser) parseUnary() (*Node, error) {
	p.skipSpace()
	if p.consumeByte('!') {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Node{Not: inner}, nil
	}
	if p.consumeByte('(') {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if !p.consumeByte(')') {
			return nil, &ParseError{Input: p.input, Pos: p.pos, Msg: "expected ')'"}
		}
		return inner, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (*Node, error) {
	p.skipSpace()
	if !p.consumeByte('~') {
		return nil, &ParseError{Input: p.input, Pos: p.pos, Msg: "expected atom starting with '~'"}
	}
	tag := p.readIdent()
	spec, ok := atomTable[strings.ToLower(tag)]
	if !ok {
		return nil, &ParseError{Input: p.input, Pos: p.pos, Msg: fmt.Sprintf("unknown filter atom '~%s'", tag)}
	}

	atom := Atom{Kind: spec.kind, Direction: spec.dir}

	if spec.takesRE {
		arg, err := p.readArg()
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(arg)
		if err != nil {
			return nil, &ParseError{Input: p.input, Pos: p.pos, Msg: "invalid regex: " + err.Error()}
		}
		atom.Regex = re
	} else if spec.takesU16 {
		arg, err := p.readArg()
		if err != nil {
			return nil, err
		}
		code, err := strconv.ParseUint(strings.TrimSpace(arg), 10, 16)
		if err != nil {
			return nil, &ParseError{Input: p.input, Pos: p.pos, Msg: "expected a numeric status code"}
		}
		atom.Code = uint16(code)
	}

	return leaf(atom), nil
}

// readArg reads the argument following an atom tag that takes one: either a
// double-quoted string (supporting \" and \\ escapes) or a bare run of
// non-space, non-paren, non-operator characters.
func (p *parser) readArg() (string, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return "", &ParseError{Input: p.input, Pos: p.pos, Msg: "expected argument"}
	}
	if p.input[p.pos] == '"' {
		p.pos++
		var sb strings.Builder
		for p.pos < len(p.input) {
			c := p.input[p.pos]
			if c == '\\' && p.pos+1 < len(p.input) {
				sb.WriteByte(p.input[p.pos+1])
				p.pos += 2
				continue
			}
			if c == '"' {
				p.pos++
				return sb.String(), nil
			}
			sb.WriteByte(c)
			p.pos++
		}
		return "", &ParseError{Input: p.input, Pos: p.pos, Msg: "unterminated quoted argument"}
	}

	start := p.pos
	for p.pos < len(p.input) && !isDelim(rune(p.input[p.pos])) {
		p.pos++
	}
	if p.pos == start {
		return "", &ParseError{Input: p.input, Pos: p.pos, Msg: "expected argument"}
	}
	return p.input[start:p.pos], nil
}

func isDelim(r rune) bool {
	return unicode.IsSpace(r) || r == '(' || r == ')' || r == '&' || r == '|' || r == '!'
}

func (p *parser) readIdent() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			p.pos++
			continue
		}
		break
	}
	return p.input[start:p.pos]
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *parser) consumeByte(b byte) bool {
	if p.pos < len(p.input) && p.input[p.pos] == b {
		p.pos++
		return true
	}
	return false
}

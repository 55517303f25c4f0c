package template

import (
	"fmt"
	"strconv"
	"strings"
)

// node is one element of the parsed template tree.
type node interface{ pos() (int, int) }

type textNode struct {
	text      string
	line, col int
}

type outputNode struct {
	pipe      *pipeline
	line, col int
}

type ifNode struct {
	cond      string // expr-lang expression
	then      []node
	otherwise []node
	line, col int
}

type forNode struct {
	variable  string
	iterable  string // expr-lang expression producing a list
	body      []node
	line, col int
}

func (n *textNode) pos() (int, int)   { return n.line, n.col }
func (n *outputNode) pos() (int, int) { return n.line, n.col }
func (n *ifNode) pos() (int, int)     { return n.line, n.col }
func (n *forNode) pos() (int, int)    { return n.line, n.col }

// pipeline is a path or literal head followed by zero or more filter calls.
type pipeline struct {
	head    headExpr
	filters []filterCall
}

type headExpr struct {
	path    []string // dotted path segments when literal is nil
	literal any      // quoted string or number literal
	isLit   bool
	expr    string // expr-lang expression when the head is not a plain path
}

type filterCall struct {
	name string
	args []any // string or float64 arguments
}

// parse builds the node tree from the token stream.
func parse(tokens []token) ([]node, error) {
	nodes, rest, err := parseUntil(tokens, nil)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		t := rest[0]
		return nil, &ParseError{Line: t.line, Col: t.col, Message: "unexpected " + firstWord(t.text) + " tag"}
	}
	return nodes, nil
}

// parseUntil consumes tokens until one of the stop keywords appears at the
// top level, returning the unconsumed remainder starting at the stop tag.
func parseUntil(tokens []token, stop []string) ([]node, []token, error) {
	var nodes []node
	for len(tokens) > 0 {
		t := tokens[0]
		switch t.kind {
		case tokenText:
			nodes = append(nodes, &textNode{text: t.text, line: t.line, col: t.col})
			tokens = tokens[1:]

		case tokenOutput:
			pipe, err := parsePipeline(t)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, &outputNode{pipe: pipe, line: t.line, col: t.col})
			tokens = tokens[1:]

		case tokenTag:
			keyword := firstWord(t.text)
			for _, s := range stop {
				if keyword == s {
					return nodes, tokens, nil
				}
			}
			switch keyword {
			case "if":
				n, rest, err := parseIf(t, tokens[1:])
				if err != nil {
					return nil, nil, err
				}
				nodes = append(nodes, n)
				tokens = rest
			case "for":
				n, rest, err := parseFor(t, tokens[1:])
				if err != nil {
					return nil, nil, err
				}
				nodes = append(nodes, n)
				tokens = rest
			default:
				return nil, nil, &ParseError{Line: t.line, Col: t.col, Message: "unknown tag " + strconv.Quote(keyword)}
			}
		}
	}
	return nodes, tokens, nil
}

func parseIf(open token, tokens []token) (*ifNode, []token, error) {
	cond := strings.TrimSpace(strings.TrimPrefix(open.text, "if"))
	if cond == "" {
		return nil, nil, &ParseError{Line: open.line, Col: open.col, Message: "if tag requires a condition"}
	}
	n := &ifNode{cond: cond, line: open.line, col: open.col}

	then, rest, err := parseUntil(tokens, []string{"else", "endif"})
	if err != nil {
		return nil, nil, err
	}
	n.then = then
	if len(rest) == 0 {
		return nil, nil, &ParseError{Line: open.line, Col: open.col, Message: "if tag missing endif"}
	}

	if firstWord(rest[0].text) == "else" {
		otherwise, rest2, err := parseUntil(rest[1:], []string{"endif"})
		if err != nil {
			return nil, nil, err
		}
		if len(rest2) == 0 {
			return nil, nil, &ParseError{Line: open.line, Col: open.col, Message: "if tag missing endif"}
		}
		n.otherwise = otherwise
		rest = rest2
	}
	return n, rest[1:], nil
}

func parseFor(open token, tokens []token) (*forNode, []token, error) {
	// for <var> in <expr>
	body := strings.TrimSpace(strings.TrimPrefix(open.text, "for"))
	parts := strings.SplitN(body, " in ", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return nil, nil, &ParseError{Line: open.line, Col: open.col, Message: "for tag must be of the form: for x in list"}
	}
	n := &forNode{
		variable: strings.TrimSpace(parts[0]),
		iterable: strings.TrimSpace(parts[1]),
		line:     open.line,
		col:      open.col,
	}

	inner, rest, err := parseUntil(tokens, []string{"endfor"})
	if err != nil {
		return nil, nil, err
	}
	if len(rest) == 0 {
		return nil, nil, &ParseError{Line: open.line, Col: open.col, Message: "for tag missing endfor"}
	}
	n.body = inner
	return n, rest[1:], nil
}

// parsePipeline parses "head | filter: arg, arg | filter".
func parsePipeline(t token) (*pipeline, error) {
	segments := splitPipeline(t.text)
	if len(segments) == 0 || strings.TrimSpace(segments[0]) == "" {
		return nil, &ParseError{Line: t.line, Col: t.col, Message: "empty output tag"}
	}

	head, err := parseHead(strings.TrimSpace(segments[0]), t)
	if err != nil {
		return nil, err
	}
	pipe := &pipeline{head: head}

	for _, seg := range segments[1:] {
		call, err := parseFilterCall(strings.TrimSpace(seg), t)
		if err != nil {
			return nil, err
		}
		pipe.filters = append(pipe.filters, call)
	}
	return pipe, nil
}

// splitPipeline splits on | outside quoted strings.
func splitPipeline(s string) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '|':
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func parseHead(s string, t token) (headExpr, error) {
	if s == "" {
		return headExpr{}, &ParseError{Line: t.line, Col: t.col, Message: "empty pipeline head"}
	}
	if s[0] == '\'' || s[0] == '"' {
		lit, err := unquote(s)
		if err != nil {
			return headExpr{}, &ParseError{Line: t.line, Col: t.col, Message: err.Error()}
		}
		return headExpr{literal: lit, isLit: true}, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return headExpr{literal: f, isLit: true}, nil
	}
	if isPlainPath(s) {
		return headExpr{path: strings.Split(s, ".")}, nil
	}
	// Anything else ({{ json.status >= 400 }}, function calls, arithmetic)
	// is handed to the expression engine at render time.
	return headExpr{expr: s}, nil
}

// isPlainPath reports whether s is a dotted chain of identifiers or
// numeric indices. Plain paths resolve missing leaves to empty instead of
// failing, so they bypass the expression engine.
func isPlainPath(s string) bool {
	for _, seg := range strings.Split(s, ".") {
		if seg == "" || !isPathSegment(seg) {
			return false
		}
	}
	return true
}

func isPathSegment(seg string) bool {
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
		case c == '-' && i > 0:
		default:
			return false
		}
	}
	return true
}

func parseFilterCall(s string, t token) (filterCall, error) {
	if s == "" {
		return filterCall{}, &ParseError{Line: t.line, Col: t.col, Message: "empty filter segment"}
	}
	name := s
	var rawArgs string
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		name = strings.TrimSpace(s[:idx])
		rawArgs = strings.TrimSpace(s[idx+1:])
	}
	if name == "" {
		return filterCall{}, &ParseError{Line: t.line, Col: t.col, Message: "filter missing name"}
	}
	call := filterCall{name: name}
	if rawArgs != "" {
		for _, raw := range splitArgs(rawArgs) {
			raw = strings.TrimSpace(raw)
			arg, err := parseArg(raw)
			if err != nil {
				return filterCall{}, &ParseError{Line: t.line, Col: t.col, Message: fmt.Sprintf("filter %s: %v", name, err)}
			}
			call.args = append(call.args, arg)
		}
	}
	return call, nil
}

// splitArgs splits on commas outside quoted strings.
func splitArgs(s string) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ',':
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func parseArg(s string) (any, error) {
	if s == "" {
		return nil, fmt.Errorf("empty argument")
	}
	if s[0] == '\'' || s[0] == '"' {
		return unquote(s)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	// Bare words are treated as string arguments (e.g. default: main).
	return s, nil
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != s[len(s)-1] {
		return "", fmt.Errorf("unterminated string %s", s)
	}
	return s[1 : len(s)-1], nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

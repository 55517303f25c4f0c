package template

import "strings"

// tokenKind discriminates the three lexical shapes of a template.
type tokenKind int

const (
	tokenText   tokenKind = iota // literal text
	tokenOutput                  // {{ pipeline }}
	tokenTag                     // {% keyword … %}
)

// token is one lexical unit with its 1-based source position.
type token struct {
	kind tokenKind
	text string // trimmed content for output/tag tokens, raw text otherwise
	line int
	col  int
}

// lex splits the template into text, output, and tag tokens. Delimiters do
// not nest; the first closing marker ends the token.
func lex(input string) ([]token, error) {
	var tokens []token
	line, col := 1, 1
	for len(input) > 0 {
		idx := -1
		var isTag bool
		for i := 0; i < len(input)-1; i++ {
			if input[i] == '{' && (input[i+1] == '{' || input[i+1] == '%') {
				idx = i
				isTag = input[i+1] == '%'
				break
			}
		}

		if idx == -1 {
			tokens = append(tokens, token{kind: tokenText, text: input, line: line, col: col})
			break
		}

		if idx > 0 {
			tokens = append(tokens, token{kind: tokenText, text: input[:idx], line: line, col: col})
			line, col = advance(input[:idx], line, col)
			input = input[idx:]
		}

		closing := "}}"
		kind := tokenOutput
		if isTag {
			closing = "%}"
			kind = tokenTag
		}
		end := strings.Index(input[2:], closing)
		if end == -1 {
			return nil, &ParseError{Line: line, Col: col, Message: "unterminated " + string(input[:2]) + " tag"}
		}
		body := input[2 : 2+end]
		tokens = append(tokens, token{kind: kind, text: strings.TrimSpace(body), line: line, col: col})
		consumed := input[:2+end+2]
		line, col = advance(consumed, line, col)
		input = input[2+end+2:]
	}
	return tokens, nil
}

// advance moves the 1-based position past the consumed text.
func advance(consumed string, line, col int) (int, int) {
	for _, r := range consumed {
		if r == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

// ContainsTemplate reports whether s holds any template syntax. Values
// without it pass through EvaluateDeep untouched.
func ContainsTemplate(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "{%")
}

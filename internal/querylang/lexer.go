package querylang

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokDot
	tokComma
	tokLParen
	tokRParen
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPow
)

var tokenNames = map[tokenKind]string{
	tokEOF:    "end of query",
	tokIdent:  "identifier",
	tokNumber: "number",
	tokString: "string",
	tokDot:    "'.'",
	tokComma:  "','",
	tokLParen: "'('",
	tokRParen: "')'",
	tokEq:     "'='",
	tokNe:     "'!='",
	tokLt:     "'<'",
	tokLe:     "'<='",
	tokGt:     "'>'",
	tokGe:     "'>='",
	tokPlus:   "'+'",
	tokMinus:  "'-'",
	tokStar:   "'*'",
	tokSlash:  "'/'",
	tokPow:    "'**'",
}

func (k tokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

type token struct {
	kind tokenKind
	text string // identifier name, number text, or decoded string value
	pos  int
	// nocase marks an i'...' string.
	nocase bool
	// spaceBefore is set when whitespace or a comment precedes the token.
	spaceBefore bool
}

func (t token) describe() string {
	switch t.kind {
	case tokIdent:
		return fmt.Sprintf("%q", t.text)
	case tokNumber:
		return "number " + t.text
	case tokString:
		return "string " + quote(t.text)
	default:
		return t.kind.String()
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "\\'") + "'"
}

// lex splits text into tokens. Comments run from '#' to end of line.
func lex(text string) ([]token, error) {
	src := []rune(text)
	var toks []token
	i := 0
	space := false
	for {
		for i < len(src) {
			c := src[i]
			if c == '#' {
				for i < len(src) && src[i] != '\n' {
					i++
				}
				space = true
				continue
			}
			if !unicode.IsSpace(c) {
				break
			}
			space = true
			i++
		}
		if i >= len(src) {
			toks = append(toks, token{kind: tokEOF, pos: len(src), spaceBefore: space})
			return toks, nil
		}

		start := i
		c := src[i]
		tok := token{pos: start, spaceBefore: space}
		space = false

		switch {
		case c == 'i' && i+1 < len(src) && (src[i+1] == '\'' || src[i+1] == '"'):
			s, next, err := lexString(src, i+1)
			if err != nil {
				return nil, err
			}
			tok.kind, tok.text, tok.nocase = tokString, s, true
			i = next
		case c == '\'' || c == '"':
			s, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			tok.kind, tok.text = tokString, s
			i = next
		case isIdentStart(c):
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			tok.kind, tok.text = tokIdent, string(src[start:i])
			// doesn't is the only identifier carrying an apostrophe.
			if tok.text == "doesn" && i+1 < len(src) && src[i] == '\'' && src[i+1] == 't' &&
				(i+2 == len(src) || !isIdentPart(src[i+2])) {
				i += 2
				tok.text = "doesn't"
			}
		case c >= '0' && c <= '9':
			i = lexNumber(src, i)
			tok.kind, tok.text = tokNumber, string(src[start:i])
		default:
			kind, width := lexOperator(src, i)
			if width == 0 {
				return nil, &SyntaxError{Pos: start, Msg: fmt.Sprintf("unexpected character %q", c)}
			}
			tok.kind = kind
			i += width
		}
		toks = append(toks, tok)
	}
}

func lexOperator(src []rune, i int) (tokenKind, int) {
	next := rune(0)
	if i+1 < len(src) {
		next = src[i+1]
	}
	switch src[i] {
	case '.':
		return tokDot, 1
	case ',':
		return tokComma, 1
	case '(':
		return tokLParen, 1
	case ')':
		return tokRParen, 1
	case '=':
		if next == '=' {
			return tokEq, 2
		}
		return tokEq, 1
	case '!':
		if next == '=' {
			return tokNe, 2
		}
	case '<':
		if next == '=' {
			return tokLe, 2
		}
		return tokLt, 1
	case '>':
		if next == '=' {
			return tokGe, 2
		}
		return tokGt, 1
	case '+':
		return tokPlus, 1
	case '-':
		return tokMinus, 1
	case '*':
		if next == '*' {
			return tokPow, 2
		}
		return tokStar, 1
	case '/':
		return tokSlash, 1
	}
	return tokEOF, 0
}

// lexString decodes a quoted string starting at the opening quote.
func lexString(src []rune, i int) (string, int, error) {
	q := src[i]
	start := i
	i++
	var b strings.Builder
	for i < len(src) {
		c := src[i]
		switch {
		case c == q:
			return b.String(), i + 1, nil
		case c == '\\' && i+1 < len(src):
			i++
			switch src[i] {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case 'r':
				b.WriteRune('\r')
			default:
				b.WriteRune(src[i])
			}
		default:
			b.WriteRune(c)
		}
		i++
	}
	return "", 0, &SyntaxError{Pos: start, Msg: "unterminated string"}
}

// lexNumber consumes an integer (decimal, 0x, 0o, 0b, with optional
// underscores) or a decimal float with optional exponent.
func lexNumber(src []rune, i int) int {
	if src[i] == '0' && i+1 < len(src) && strings.ContainsRune("xXoObB", src[i+1]) {
		i += 2
		for i < len(src) && (isHexDigit(src[i]) || src[i] == '_') {
			i++
		}
		return i
	}
	digits := func() {
		for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '_') {
			i++
		}
	}
	digits()
	if i+1 < len(src) && src[i] == '.' && src[i+1] >= '0' && src[i+1] <= '9' {
		i++
		digits()
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && src[j] >= '0' && src[j] <= '9' {
			i = j
			digits()
		}
	}
	return i
}

func isIdentStart(c rune) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c rune) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func isHexDigit(c rune) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

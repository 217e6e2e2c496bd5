package plan

import (
	"fmt"
	"strings"
)

type tokenType int

const (
	tokenIdent tokenType = iota
	tokenString
	tokenNumber
	tokenLParen
	tokenRParen
	tokenComma
	tokenDot
	tokenSemicolon
	tokenSymbol
	tokenEOF
)

type token struct {
	typ   tokenType
	value string
	start int
	end   int
}

// keyword reports whether the token is the given keyword, case-insensitively.
func (t token) keyword(word string) bool {
	return t.typ == tokenIdent && strings.EqualFold(t.value, word)
}

type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

// tokenize scans the whole input up front; statements are short enough
// that streaming buys nothing.
func (l *lexer) tokenize() ([]token, error) {
	var tokens []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.typ == tokenEOF {
			return tokens, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	start := l.pos
	if l.pos >= len(l.input) {
		return token{typ: tokenEOF, start: start, end: start}, nil
	}

	ch := l.input[l.pos]
	switch {
	case ch == '(':
		l.pos++
		return token{typ: tokenLParen, value: "(", start: start, end: l.pos}, nil
	case ch == ')':
		l.pos++
		return token{typ: tokenRParen, value: ")", start: start, end: l.pos}, nil
	case ch == ',':
		l.pos++
		return token{typ: tokenComma, value: ",", start: start, end: l.pos}, nil
	case ch == '.':
		l.pos++
		return token{typ: tokenDot, value: ".", start: start, end: l.pos}, nil
	case ch == ';':
		l.pos++
		return token{typ: tokenSemicolon, value: ";", start: start, end: l.pos}, nil
	case ch == '\'':
		return l.scanString()
	case ch == '"':
		return l.scanQuotedIdent()
	case isDigit(ch):
		return l.scanNumber()
	case isIdentStart(ch):
		return l.scanIdent()
	default:
		// Operators and anything else pass through as raw symbols; they
		// only matter inside fragments we keep verbatim.
		l.pos++
		for l.pos < len(l.input) && isSymbol(l.input[l.pos]) {
			l.pos++
		}
		return token{typ: tokenSymbol, value: l.input[start:l.pos], start: start, end: l.pos}, nil
	}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.input) {
		switch l.input[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		case '-':
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == '-' {
				for l.pos < len(l.input) && l.input[l.pos] != '\n' {
					l.pos++
				}
				continue
			}
			return
		default:
			return
		}
	}
}

func (l *lexer) scanString() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '\'' {
			// Doubled quote is an escaped quote.
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{typ: tokenString, value: sb.String(), start: start, end: l.pos}, nil
		}
		sb.WriteByte(ch)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string literal at position %d", start)
}

func (l *lexer) scanQuotedIdent() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '"' {
			l.pos++
			return token{typ: tokenIdent, value: sb.String(), start: start, end: l.pos}, nil
		}
		sb.WriteByte(ch)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated quoted identifier at position %d", start)
}

func (l *lexer) scanNumber() (token, error) {
	start := l.pos
	for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
		l.pos++
	}
	return token{typ: tokenNumber, value: l.input[start:l.pos], start: start, end: l.pos}, nil
}

func (l *lexer) scanIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
		l.pos++
	}
	return token{typ: tokenIdent, value: l.input[start:l.pos], start: start, end: l.pos}, nil
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}

func isSymbol(ch byte) bool {
	switch ch {
	case '=', '<', '>', '!', '+', '-', '*', '/', '%', '|', '&', ':':
		return true
	}
	return false
}

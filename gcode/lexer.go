package gcode

import (
	"fmt"
)

type TokenType int

const (
	TokenTypeSpace TokenType = iota
	TokenTypeComment
	TokenTypeSystem
	TokenTypeWordLetter
	TokenTypeWordNumber
)

var tokenTypeNames = map[TokenType]string{
	TokenTypeSpace:      "Space",
	TokenTypeComment:    "Comment",
	TokenTypeSystem:     "System",
	TokenTypeWordLetter: "WordLetter",
	TokenTypeWordNumber: "WordNumber",
}

func (tt TokenType) String() string {
	if name, ok := tokenTypeNames[tt]; ok {
		return name
	}
	return fmt.Sprintf("TokenType(%d)", int(tt))
}

type Token struct {
	Value string
	Type  TokenType
}

// Lexer tokenizes a single line of G-code, the way Grbl does.
type Lexer struct {
	line string
	pos  int
}

// NewLexer creates a Lexer for line, which must not contain line terminators.
func NewLexer(line string) *Lexer {
	return &Lexer{line: line}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isNumberStart(c byte) bool {
	return c == '-' || c == '+' || c == '.' || isDigit(c)
}

func (lx *Lexer) token(end int, tokenType TokenType) *Token {
	token := &Token{Value: lx.line[lx.pos:end], Type: tokenType}
	lx.pos = end
	return token
}

func (lx *Lexer) number() (*Token, error) {
	i := lx.pos
	if lx.line[i] == '-' || lx.line[i] == '+' {
		i++
	}
	digits := 0
	decimal := false
	for ; i < len(lx.line); i++ {
		c := lx.line[i]
		if isDigit(c) {
			digits++
		} else if c == '.' && !decimal {
			decimal = true
		} else {
			break
		}
	}
	if digits == 0 {
		return nil, fmt.Errorf("column %d: invalid number: %q", lx.pos+1, lx.line[lx.pos:i])
	}
	return lx.token(i, TokenTypeWordNumber), nil
}

// Next returns the next token, or nil at the end of the line.
func (lx *Lexer) Next() (*Token, error) {
	if lx.pos >= len(lx.line) {
		return nil, nil
	}
	c := lx.line[lx.pos]
	switch {
	case isSpace(c):
		i := lx.pos
		for i < len(lx.line) && isSpace(lx.line[i]) {
			i++
		}
		return lx.token(i, TokenTypeSpace), nil
	case c == '(':
		for i := lx.pos + 1; i < len(lx.line); i++ {
			if lx.line[i] == ')' {
				return lx.token(i+1, TokenTypeComment), nil
			}
		}
		return nil, fmt.Errorf("column %d: end of line reached without closing parenthesis", lx.pos+1)
	case c == ';':
		return lx.token(len(lx.line), TokenTypeComment), nil
	case c == '$':
		return lx.token(len(lx.line), TokenTypeSystem), nil
	case isLetter(c):
		return lx.token(lx.pos+1, TokenTypeWordLetter), nil
	case isNumberStart(c):
		return lx.number()
	}
	return nil, fmt.Errorf("column %d: unexpected char: %q", lx.pos+1, c)
}

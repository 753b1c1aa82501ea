// Package config implements the gpunetd configuration language: a
// Junos-style hierarchy of blocks and leaves, its parser, and the
// compiler that turns the tree into a typed Config.
package config

import (
	"fmt"
	"strings"
)

// TokenType represents the type of a lexer token.
type TokenType int

const (
	TokenLBrace     TokenType = iota // {
	TokenRBrace                      // }
	TokenSemicolon                   // ;
	TokenIdentifier                  // unquoted word
	TokenString                      // "quoted string"
	TokenEOF
	TokenError
)

func (t TokenType) String() string {
	switch t {
	case TokenLBrace:
		return "'{'"
	case TokenRBrace:
		return "'}'"
	case TokenSemicolon:
		return "';'"
	case TokenIdentifier:
		return "identifier"
	case TokenString:
		return "string"
	case TokenEOF:
		return "EOF"
	case TokenError:
		return "error"
	default:
		return "unknown"
	}
}

// Token is a single lexer token.
type Token struct {
	Type   TokenType
	Value  string
	Line   int
	Column int
}

func (t Token) String() string {
	if t.Type == TokenIdentifier || t.Type == TokenString {
		return fmt.Sprintf("%s(%q)", t.Type, t.Value)
	}
	return t.Type.String()
}

// Lexer tokenizes configuration text.
type Lexer struct {
	input  string
	pos    int
	line   int
	column int
	peeked *Token
}

// NewLexer creates a new Lexer for the given input string.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input, line: 1, column: 1}
}

// Peek returns the next token without consuming it.
func (l *Lexer) Peek() Token {
	if l.peeked == nil {
		tok := l.scan()
		l.peeked = &tok
	}
	return *l.peeked
}

// Next consumes and returns the next token.
func (l *Lexer) Next() Token {
	if l.peeked != nil {
		tok := *l.peeked
		l.peeked = nil
		return tok
	}
	return l.scan()
}

func (l *Lexer) scan() Token {
	l.skipSpace()
	line, col := l.line, l.column
	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Line: line, Column: col}
	}

	ch := l.input[l.pos]
	switch {
	case ch == '{':
		l.advance()
		return Token{Type: TokenLBrace, Value: "{", Line: line, Column: col}
	case ch == '}':
		l.advance()
		return Token{Type: TokenRBrace, Value: "}", Line: line, Column: col}
	case ch == ';':
		l.advance()
		return Token{Type: TokenSemicolon, Value: ";", Line: line, Column: col}
	case ch == '"':
		return l.scanString(line, col)
	case isIdentChar(ch):
		start := l.pos
		for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
			l.advance()
		}
		return Token{Type: TokenIdentifier, Value: l.input[start:l.pos], Line: line, Column: col}
	default:
		l.advance()
		return Token{
			Type:   TokenError,
			Value:  fmt.Sprintf("unexpected character %q", ch),
			Line:   line,
			Column: col,
		}
	}
}

func (l *Lexer) advance() {
	if l.input[l.pos] == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	l.pos++
}

func (l *Lexer) skipSpace() {
	for l.pos < len(l.input) {
		rest := l.input[l.pos:]
		switch {
		case rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\r' || rest[0] == '\n':
			l.advance()
		case rest[0] == '#' || strings.HasPrefix(rest, "//"):
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.advance()
			}
		case strings.HasPrefix(rest, "/*"):
			end := strings.Index(rest[2:], "*/")
			n := len(rest)
			if end >= 0 {
				n = end + 4
			}
			for i := 0; i < n; i++ {
				l.advance()
			}
		default:
			return
		}
	}
}

func (l *Lexer) scanString(line, col int) Token {
	l.advance() // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch ch {
		case '"':
			l.advance()
			return Token{Type: TokenString, Value: b.String(), Line: line, Column: col}
		case '\\':
			l.advance()
			if l.pos < len(l.input) {
				b.WriteByte(l.input[l.pos])
				l.advance()
			}
		default:
			b.WriteByte(ch)
			l.advance()
		}
	}
	return Token{Type: TokenError, Value: "unterminated string", Line: line, Column: col}
}

// isIdentChar covers names, numbers, PCI addresses (0000:ca:00.0),
// prefixes (10.0.0.0/24) and paths (/sys/fs/bpf/gpunet).
func isIdentChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '_' || ch == '.' ||
		ch == '/' || ch == ':'
}

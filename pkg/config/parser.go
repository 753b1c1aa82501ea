package config

import "fmt"

// ParseError represents a configuration parse error with location.
type ParseError struct {
	Line    int
	Column  int
	Message string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Message)
}

// Parser is a recursive descent parser for the configuration syntax.
type Parser struct {
	lexer  *Lexer
	errors []ParseError
}

// NewParser creates a new Parser for the given configuration text.
func NewParser(input string) *Parser {
	return &Parser{lexer: NewLexer(input)}
}

// Parse parses the input and returns the configuration tree. Parsing
// continues after errors so that all of them are reported.
func (p *Parser) Parse() (*ConfigTree, []ParseError) {
	children := p.parseStatements(0)
	return &ConfigTree{Children: children}, p.errors
}

// parseStatements parses statements until EOF or a closing brace.
func (p *Parser) parseStatements(depth int) []*Node {
	var nodes []*Node
	for {
		tok := p.lexer.Peek()
		switch tok.Type {
		case TokenEOF:
			return nodes
		case TokenRBrace:
			if depth == 0 {
				// Skip stray braces at top level.
				p.lexer.Next()
				p.addError(tok.Line, tok.Column, "unbalanced '}'")
				continue
			}
			return nodes
		case TokenError:
			p.lexer.Next()
			p.addError(tok.Line, tok.Column, tok.Value)
			continue
		}
		if node := p.parseStatement(depth); node != nil {
			nodes = append(nodes, node)
		}
	}
}

// parseStatement parses keys followed by ';' or a '{ ... }' block.
func (p *Parser) parseStatement(depth int) *Node {
	start := p.lexer.Peek()
	keys := p.parseKeys()
	if len(keys) == 0 {
		tok := p.lexer.Next()
		p.addError(tok.Line, tok.Column, fmt.Sprintf("unexpected %s", tok))
		return nil
	}

	node := &Node{Keys: keys, Line: start.Line, Column: start.Column}
	tok := p.lexer.Peek()
	switch tok.Type {
	case TokenLBrace:
		p.lexer.Next()
		node.Children = p.parseStatements(depth + 1)
		if closing := p.lexer.Peek(); closing.Type == TokenRBrace {
			p.lexer.Next()
		} else {
			p.addError(closing.Line, closing.Column,
				fmt.Sprintf("expected '}' to close %q, got %s", node.KeyPath(), closing))
		}
	case TokenSemicolon:
		p.lexer.Next()
		node.IsLeaf = true
	default:
		p.addError(tok.Line, tok.Column,
			fmt.Sprintf("expected ';' or '{' after %q, got %s", node.KeyPath(), tok))
		node.IsLeaf = true
	}
	return node
}

// parseKeys reads identifiers and strings up to the next punctuation.
func (p *Parser) parseKeys() []string {
	var keys []string
	for {
		tok := p.lexer.Peek()
		if tok.Type != TokenIdentifier && tok.Type != TokenString {
			return keys
		}
		p.lexer.Next()
		keys = append(keys, tok.Value)
	}
}

func (p *Parser) addError(line, col int, msg string) {
	p.errors = append(p.errors, ParseError{Line: line, Column: col, Message: msg})
}

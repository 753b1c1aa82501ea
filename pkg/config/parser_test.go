package config

import (
	"strings"
	"testing"
)

func TestLexer(t *testing.T) {
	input := `interfaces {
    port0 {
        address 0000:ca:00.0;
    }
}`
	lex := NewLexer(input)
	expected := []struct {
		typ TokenType
		val string
	}{
		{TokenIdentifier, "interfaces"},
		{TokenLBrace, "{"},
		{TokenIdentifier, "port0"},
		{TokenLBrace, "{"},
		{TokenIdentifier, "address"},
		{TokenIdentifier, "0000:ca:00.0"},
		{TokenSemicolon, ";"},
		{TokenRBrace, "}"},
		{TokenRBrace, "}"},
		{TokenEOF, ""},
	}

	for i, exp := range expected {
		tok := lex.Next()
		if tok.Type != exp.typ {
			t.Errorf("token %d: expected type %s, got %s (value=%q)", i, exp.typ, tok.Type, tok.Value)
		}
		if exp.val != "" && tok.Value != exp.val {
			t.Errorf("token %d: expected value %q, got %q", i, exp.val, tok.Value)
		}
	}
}

func TestLexerComments(t *testing.T) {
	input := `# this is a comment
system {
    /* block comment */
    steering-map /sys/fs/bpf/gpunet;
    // line comment
}`
	lex := NewLexer(input)
	var got []string
	for {
		tok := lex.Next()
		if tok.Type == TokenEOF {
			break
		}
		got = append(got, tok.Value)
	}
	want := []string{"system", "{", "steering-map", "/sys/fs/bpf/gpunet", ";", "}"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("tokens = %q, want %q", got, want)
	}
}

func TestLexerString(t *testing.T) {
	lex := NewLexer(`address "port \"0\"";`)
	lex.Next()
	tok := lex.Next()
	if tok.Type != TokenString || tok.Value != `port "0"` {
		t.Errorf("got %s", tok)
	}

	lex = NewLexer(`"unterminated`)
	if tok := lex.Next(); tok.Type != TokenError {
		t.Errorf("expected error token, got %s", tok)
	}
}

func TestLexerPosition(t *testing.T) {
	lex := NewLexer("a;\n  b;")
	lex.Next()
	lex.Next()
	tok := lex.Next()
	if tok.Line != 2 || tok.Column != 3 {
		t.Errorf("b at %d:%d, want 2:3", tok.Line, tok.Column)
	}
}

func TestParser(t *testing.T) {
	input := `interfaces {
    port0 {
        address 0000:ca:00.0;
        rx {
            queue rxq0 {
                id 0;
                memory-region gpu0 gpu1;
            }
        }
    }
}`
	tree, errs := NewParser(input).Parse()
	if len(errs) > 0 {
		t.Fatalf("parse errors: %v", errs)
	}
	ifaces := tree.FindChild("interfaces")
	if ifaces == nil {
		t.Fatal("missing interfaces")
	}
	port := ifaces.FindChild("port0")
	if port == nil {
		t.Fatal("missing port0")
	}
	if a := port.FindChild("address"); a == nil || !a.IsLeaf || a.Keys[1] != "0000:ca:00.0" {
		t.Errorf("address = %+v", a)
	}
	q := port.FindChild("rx").FindChild("queue")
	if q == nil || q.KeyPath() != "queue rxq0" {
		t.Fatalf("queue = %+v", q)
	}
	mr := q.FindChild("memory-region")
	if len(mr.Keys) != 3 {
		t.Errorf("memory-region keys = %v", mr.Keys)
	}
}

func TestParserErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing semicolon", "system { backend emulated }"},
		{"unclosed block", "system { backend emulated;"},
		{"stray brace", "system { } }"},
		{"bad character", "system { backend = emulated; }"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := NewParser(tt.input).Parse()
			if len(errs) == 0 {
				t.Fatal("expected parse errors")
			}
			if errs[0].Line != 1 {
				t.Errorf("error line = %d, want 1", errs[0].Line)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	input := `system {
    backend emulated;
    syslog {
        host 10.0.0.1 {
            port 514;
        }
    }
}
interfaces {
    port0 {
        address "my port";
    }
}
`
	tree, errs := NewParser(input).Parse()
	if len(errs) > 0 {
		t.Fatalf("parse errors: %v", errs)
	}
	out := tree.Format()
	if out != input {
		t.Errorf("Format mismatch:\n%s\nwant:\n%s", out, input)
	}
	tree2, errs := NewParser(out).Parse()
	if len(errs) > 0 {
		t.Fatalf("reparse errors: %v", errs)
	}
	if tree2.Format() != out {
		t.Error("second format differs")
	}
}

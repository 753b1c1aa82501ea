package cmdtree

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/psaab/gpunetio/pkg/config"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"show statistics", "show statistics", false},
		{"sh stat", "show statistics", false},
		{"sh int port0", "show interfaces port0", false},
		{"sh q", "show queues", false},
		{"q", "quit", false},
		{"sh s", "", true}, // statistics, status
		{"bogus", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Resolve(OperationalTree, strings.Fields(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Resolve(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(got, " ") != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.in, strings.Join(got, " "), tt.want)
			}
		})
	}
}

func TestCompleteFromTree(t *testing.T) {
	cfg := &config.Config{Interfaces: []*config.InterfaceConfig{{Name: "port0"}, {Name: "port1"}}}
	tests := []struct {
		words   []string
		partial string
		want    []string
	}{
		{nil, "sh", []string{"show"}},
		{[]string{"show"}, "q", []string{"queues"}},
		{[]string{"show"}, "st", []string{"statistics", "status"}},
		{[]string{"show", "interfaces"}, "", []string{"port0", "port1"}},
		{[]string{"show", "interfaces", "port0"}, "", nil},
		{[]string{"nope"}, "", nil},
	}
	for _, tt := range tests {
		got := CompleteFromTree(OperationalTree, tt.words, tt.partial, cfg)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("complete(%v, %q) = %v, want %v", tt.words, tt.partial, got, tt.want)
		}
	}
}

func TestWriteTreeHelp(t *testing.T) {
	var buf bytes.Buffer
	WriteTreeHelp(&buf, OperationalTree, "show")
	out := buf.String()
	for _, want := range []string{"Possible completions:", "queues", "Show RX and TX queues"} {
		if !strings.Contains(out, want) {
			t.Errorf("help missing %q:\n%s", want, out)
		}
	}
}

func TestCommonPrefix(t *testing.T) {
	if got := CommonPrefix([]string{"statistics", "status"}); got != "stat" {
		t.Errorf("CommonPrefix = %q", got)
	}
	if got := CommonPrefix(nil); got != "" {
		t.Errorf("CommonPrefix(nil) = %q", got)
	}
}

package cli

import (
	"strings"

	"github.com/chzyer/readline"

	"github.com/psaab/gpunetio/pkg/cmdtree"
	"github.com/psaab/gpunetio/pkg/config"
)

// completer implements readline.AutoCompleter over the command tree.
// cfg supplies interface names for dynamic completion; it may return nil.
type completer struct {
	cfg func() *config.Config
}

// NewCompleter returns a tab completer for the operational tree. It is
// shared with the remote client.
func NewCompleter(cfg func() *config.Config) readline.AutoCompleter {
	return &completer{cfg: cfg}
}

// Do returns the suffixes completing the word under the cursor.
func (c *completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	words := strings.Fields(text)
	partial := ""
	if len(words) > 0 && !strings.HasSuffix(text, " ") {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	if resolved, err := cmdtree.Resolve(cmdtree.OperationalTree, words); err == nil {
		words = resolved
	}

	var cfg *config.Config
	if c.cfg != nil {
		cfg = c.cfg()
	}
	candidates := cmdtree.CompleteFromTree(cmdtree.OperationalTree, words, partial, cfg)
	if len(candidates) > 1 {
		// Complete up to the common prefix first.
		if p := cmdtree.CommonPrefix(candidates); len(p) > len(partial) {
			return [][]rune{[]rune(p[len(partial):])}, len(partial)
		}
	}
	out := make([][]rune, 0, len(candidates))
	for _, cand := range candidates {
		out = append(out, []rune(cand[len(partial):]+" "))
	}
	return out, len(partial)
}

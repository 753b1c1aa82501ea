// Package cli implements the gpunetd interactive console.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/psaab/gpunetio/pkg/cmdtree"
	"github.com/psaab/gpunetio/pkg/config"
	"github.com/psaab/gpunetio/pkg/configstore"
	"github.com/psaab/gpunetio/pkg/gpunet"
)

// Manager is the part of the packet I/O manager the console reads.
type Manager interface {
	Running() bool
	Err() error
	Stats() gpunet.StatsSnapshot
	Interfaces() []gpunet.InterfaceInfo
	Queues() []gpunet.QueueInfo
}

// CLI is the interactive command-line interface.
type CLI struct {
	rl       *readline.Instance
	store    *configstore.Store
	mgr      Manager
	out      io.Writer
	hostname string
	username string
}

// New creates a new CLI writing to stdout.
func New(store *configstore.Store, mgr Manager) *CLI {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "gpunetd"
	}
	username := os.Getenv("USER")
	if username == "" {
		username = "root"
	}
	return &CLI{
		store:    store,
		mgr:      mgr,
		out:      os.Stdout,
		hostname: hostname,
		username: username,
	}
}

// Run starts the interactive loop. It returns when the user quits, on
// EOF, or when ctx is cancelled.
func (c *CLI) Run(ctx context.Context) error {
	var err error
	c.rl, err = readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     "/tmp/gpunetd_history",
		AutoComplete:    &completer{cfg: c.activeConfig},
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer c.rl.Close()
	c.out = c.rl.Stdout()

	stop := context.AfterFunc(ctx, func() { c.rl.Close() })
	defer stop()

	fmt.Fprintln(c.out, "gpunetd - GPU packet I/O manager")
	fmt.Fprintln(c.out, "Type '?' for help")
	fmt.Fprintln(c.out)

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.Execute(line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

var errExit = errors.New("exit")

// Execute runs one command line.
func (c *CLI) Execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.HasSuffix(line, "?") {
		c.help(strings.TrimSuffix(line, "?"))
		return nil
	}
	words, err := cmdtree.Resolve(cmdtree.OperationalTree, strings.Fields(line))
	if err != nil {
		return err
	}

	switch words[0] {
	case "show":
		return c.handleShow(words[1:])
	case "help":
		cmdtree.WriteTreeHelp(c.out, cmdtree.OperationalTree)
		return nil
	case "quit", "exit":
		return errExit
	}
	return fmt.Errorf("unknown command: %s", words[0])
}

// help prints the completions of a partially typed line.
func (c *CLI) help(prefix string) {
	words := strings.Fields(prefix)
	partial := ""
	if len(words) > 0 && !strings.HasSuffix(prefix, " ") {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	if resolved, err := cmdtree.Resolve(cmdtree.OperationalTree, words); err == nil {
		words = resolved
	}
	candidates := cmdtree.CompleteFromTreeWithDesc(cmdtree.OperationalTree, words, partial, c.activeConfig())
	if len(candidates) == 0 {
		fmt.Fprintln(c.out, "  <[Enter]>  Execute this command")
		return
	}
	cmdtree.WriteHelp(c.out, candidates)
}

func (c *CLI) handleShow(args []string) error {
	if len(args) == 0 {
		cmdtree.WriteTreeHelp(c.out, cmdtree.OperationalTree, "show")
		return nil
	}
	name := ""
	if len(args) > 1 {
		name = args[1]
	}

	switch args[0] {
	case "configuration":
		text := c.store.ShowActive()
		if text == "" {
			fmt.Fprintln(c.out, "no active configuration")
			return nil
		}
		fmt.Fprint(c.out, text)
		return nil
	case "status":
		c.showStatus()
		return nil
	case "health":
		st := "NOT_SERVING"
		if c.mgr != nil && c.mgr.Running() {
			st = "SERVING"
		}
		fmt.Fprintf(c.out, "gpunet: %s\n", st)
		return nil
	}

	if c.mgr == nil {
		return fmt.Errorf("packet I/O manager not available")
	}
	switch args[0] {
	case "statistics":
		WriteStatistics(c.out, c.mgr.Stats())
		return nil
	case "interfaces":
		return WriteInterfaces(c.out, c.mgr.Interfaces(), name)
	case "queues":
		WriteQueues(c.out, c.mgr.Queues())
		return nil
	case "flows":
		return WriteFlows(c.out, c.mgr.Interfaces(), name)
	}
	return fmt.Errorf("unknown show target: %s", args[0])
}

func (c *CLI) showStatus() {
	running := c.mgr != nil && c.mgr.Running()
	fmt.Fprintf(c.out, "Manager running: %v\n", running)
	if c.mgr != nil {
		if err := c.mgr.Err(); err != nil {
			fmt.Fprintf(c.out, "Stopped by: %v\n", err)
		}
	}
	fmt.Fprintf(c.out, "Configuration: %s\n", c.store.Path())
}

func (c *CLI) activeConfig() *config.Config {
	cfg, err := c.store.ActiveConfig()
	if err != nil {
		return nil
	}
	return cfg
}

func (c *CLI) prompt() string {
	return fmt.Sprintf("%s@%s> ", c.username, c.hostname)
}

// gpunetctl is the remote client for gpunetd.
//
// It reads status and counters over the gpunetd HTTP API and health over
// gRPC, with the same commands and completion as the daemon console. With
// arguments it runs one command and exits.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/psaab/gpunetio/pkg/cli"
	"github.com/psaab/gpunetio/pkg/cmdtree"
	"github.com/psaab/gpunetio/pkg/config"
)

func main() {
	apiAddr := flag.String("api", "127.0.0.1:8080", "gpunetd HTTP API address")
	grpcAddr := flag.String("grpc", "127.0.0.1:50051", "gpunetd gRPC address")
	apiKey := flag.String("api-key", "", "API key for the HTTP API")
	jsonOut := flag.Bool("json", false, "print raw JSON instead of tables")
	flag.Parse()

	hc, err := dialHealth(*grpcAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpunetctl: %v\n", err)
		os.Exit(1)
	}
	defer hc.Close()

	c := &ctl{
		api:     newAPIClient(*apiAddr, *apiKey),
		health:  hc,
		out:     os.Stdout,
		jsonOut: *jsonOut,
	}

	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "gpunetctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	st, err := c.api.status(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpunetctl: cannot reach gpunetd at %s: %v\n", *apiAddr, err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "gpunetd"
	}
	username := os.Getenv("USER")
	if username == "" {
		username = "remote"
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s@%s> ", username, hostname),
		HistoryFile:     "/tmp/gpunetctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    cli.NewCompleter(c.remoteConfig),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpunetctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()
	c.out = rl.Stdout()

	fmt.Fprintf(c.out, "gpunetctl - connected to gpunetd (backend: %s, uptime: %s)\n", st.Backend, st.Uptime)
	fmt.Fprintln(c.out, "Type '?' for help")
	fmt.Fprintln(c.out)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			break
		}
		if err := c.dispatch(line); err != nil {
			if errors.Is(err, errExit) {
				break
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

var errExit = errors.New("exit")

type ctl struct {
	api     *apiClient
	health  *healthClient
	out     io.Writer
	jsonOut bool
}

func (c *ctl) dispatch(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.HasSuffix(line, "?") {
		c.showContextHelp(strings.TrimSuffix(line, "?"))
		return nil
	}
	words, err := cmdtree.Resolve(cmdtree.OperationalTree, strings.Fields(line))
	if err != nil {
		return err
	}
	switch words[0] {
	case "show":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.handleShow(ctx, words[1:])
	case "help":
		cmdtree.WriteTreeHelp(c.out, cmdtree.OperationalTree)
		return nil
	case "quit", "exit":
		return errExit
	}
	return fmt.Errorf("unknown command: %s", words[0])
}

func (c *ctl) showContextHelp(prefix string) {
	words := strings.Fields(prefix)
	partial := ""
	if len(words) > 0 && !strings.HasSuffix(prefix, " ") {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	if resolved, err := cmdtree.Resolve(cmdtree.OperationalTree, words); err == nil {
		words = resolved
	}
	candidates := cmdtree.CompleteFromTreeWithDesc(cmdtree.OperationalTree, words, partial, c.remoteConfig())
	if len(candidates) == 0 {
		fmt.Fprintln(c.out, "  <[Enter]>  Execute this command")
		return
	}
	cmdtree.WriteHelp(c.out, candidates)
}

var showPaths = map[string]string{
	"statistics":    "/api/v1/statistics",
	"interfaces":    "/api/v1/interfaces",
	"flows":         "/api/v1/interfaces",
	"queues":        "/api/v1/queues",
	"status":        "/api/v1/status",
	"configuration": "/api/v1/config",
}

func (c *ctl) handleShow(ctx context.Context, args []string) error {
	if len(args) == 0 {
		cmdtree.WriteTreeHelp(c.out, cmdtree.OperationalTree, "show")
		return nil
	}
	if args[0] == "health" {
		return c.showHealth(ctx)
	}
	if c.jsonOut {
		path, ok := showPaths[args[0]]
		if !ok {
			return fmt.Errorf("unknown show target: %s", args[0])
		}
		data, err := c.api.getRaw(ctx, path)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return err
		}
		fmt.Fprintln(c.out, buf.String())
		return nil
	}

	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	switch args[0] {
	case "statistics":
		st, err := c.api.statistics(ctx)
		if err != nil {
			return err
		}
		cli.WriteStatistics(c.out, st.Global)
		return nil
	case "interfaces", "flows":
		ifaces, err := c.api.interfaces(ctx)
		if err != nil {
			return err
		}
		if args[0] == "flows" {
			return cli.WriteFlows(c.out, ifaces, name)
		}
		return cli.WriteInterfaces(c.out, ifaces, name)
	case "queues":
		queues, err := c.api.queues(ctx)
		if err != nil {
			return err
		}
		cli.WriteQueues(c.out, queues)
		return nil
	case "status":
		st, err := c.api.status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Manager running: %v\n", st.Running)
		fmt.Fprintf(c.out, "Backend: %s\n", st.Backend)
		fmt.Fprintf(c.out, "Uptime: %s\n", st.Uptime)
		fmt.Fprintf(c.out, "Interfaces: %d, RX queues: %d, TX queues: %d\n", st.Interfaces, st.RxQueues, st.TxQueues)
		if st.Error != "" {
			fmt.Fprintf(c.out, "Stopped by: %s\n", st.Error)
		}
		return nil
	case "configuration":
		text, path, err := c.api.configuration(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "## %s\n", path)
		fmt.Fprint(c.out, text)
		return nil
	}
	return fmt.Errorf("unknown show target: %s", args[0])
}

func (c *ctl) showHealth(ctx context.Context) error {
	for _, svc := range healthServices {
		resp, err := c.health.check(ctx, svc)
		if err != nil {
			return fmt.Errorf("health %q: %w", svc, err)
		}
		name := svc
		if name == "" {
			name = "gpunetd"
		}
		if c.jsonOut {
			b, err := protojson.Marshal(resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "{\"service\":%q,\"response\":%s}\n", name, b)
			continue
		}
		fmt.Fprintf(c.out, "%-12s %s\n", name+":", resp.GetStatus())
	}
	return nil
}

// remoteConfig builds a configuration holding just the interface names,
// enough for completion.
func (c *ctl) remoteConfig() *config.Config {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ifaces, err := c.api.interfaces(ctx)
	if err != nil {
		return nil
	}
	cfg := &config.Config{}
	for _, ifc := range ifaces {
		cfg.Interfaces = append(cfg.Interfaces, &config.InterfaceConfig{Name: ifc.Name})
	}
	return cfg
}

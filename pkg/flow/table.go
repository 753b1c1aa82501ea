package flow

import (
	"fmt"
	"log/slog"
)

// FwdKind selects what a pipe or entry does with a packet.
type FwdKind int

const (
	FwdDrop FwdKind = iota
	FwdQueue
	FwdRSS
	FwdPipe
)

func (k FwdKind) String() string {
	switch k {
	case FwdDrop:
		return "drop"
	case FwdQueue:
		return "queue"
	case FwdRSS:
		return "rss"
	case FwdPipe:
		return "pipe"
	default:
		return fmt.Sprintf("fwd(%d)", int(k))
	}
}

// Fwd is a forwarding action.
type Fwd struct {
	Kind   FwdKind
	Queue  uint16   // FwdQueue
	Queues []uint16 // FwdRSS
	Pipe   string   // FwdPipe
}

func (f Fwd) String() string {
	switch f.Kind {
	case FwdQueue:
		return fmt.Sprintf("queue %d", f.Queue)
	case FwdRSS:
		return fmt.Sprintf("rss %v", f.Queues)
	case FwdPipe:
		return "pipe " + f.Pipe
	default:
		return f.Kind.String()
	}
}

// Pipe is a match/action stage.
type Pipe struct {
	Name  string
	Port  uint16
	Match Match
	Fwd   Fwd
	Miss  Fwd
}

// Entry is a root control pipe entry. Lower priority values are
// evaluated first.
type Entry struct {
	Priority int
	Match    Match
	Fwd      Fwd
}

// Rule is an explicit flow: matching packets go to Queue.
type Rule struct {
	Name  string
	ID    int
	Match Match
	Queue uint16
}

// Program is the complete steering program for one port.
type Program struct {
	Port    uint16
	Default *Pipe // nil when every queue has an explicit rule
	Flows   []*Pipe
	Root    []Entry
}

const (
	priorityFlow    = 0
	priorityDefault = 1
)

// DefaultPipeName is the name of the RSS catch-all pipe.
const DefaultPipeName = "default-rss"

// Build assembles the steering program for a port. Queues not targeted
// by any rule are fanned out by the default pipe; more than maxDefault-1
// of them is an error.
func Build(port uint16, rules []Rule, rxQueues []uint16, maxDefault int) (*Program, error) {
	known := make(map[uint16]bool, len(rxQueues))
	for _, q := range rxQueues {
		known[q] = true
	}
	explicit := make(map[uint16]bool)
	for _, r := range rules {
		if !known[r.Queue] {
			return nil, fmt.Errorf("port %d flow %q: queue %d not configured", port, r.Name, r.Queue)
		}
		explicit[r.Queue] = true
	}

	var defq []uint16
	for _, q := range rxQueues {
		if !explicit[q] {
			defq = append(defq, q)
		}
	}
	if len(defq) >= maxDefault {
		return nil, fmt.Errorf("port %d: %d default queues exceeds maximum fan-out %d",
			port, len(defq), maxDefault-1)
	}

	prog := &Program{Port: port}
	if len(defq) == 0 {
		slog.Warn("all rx queues have explicit flows, skipping default pipe", "port", port)
	} else {
		prog.Default = &Pipe{
			Name:  DefaultPipeName,
			Port:  port,
			Match: Match{IPv4: true},
			Fwd:   Fwd{Kind: FwdRSS, Queues: defq},
			Miss:  Fwd{Kind: FwdDrop},
		}
	}

	for _, r := range rules {
		m := r.Match
		m.IPv4 = true
		p := &Pipe{
			Name:  "flow-" + r.Name,
			Port:  port,
			Match: m,
			Fwd:   Fwd{Kind: FwdQueue, Queue: r.Queue},
			Miss:  Fwd{Kind: FwdDrop},
		}
		prog.Flows = append(prog.Flows, p)
		prog.Root = append(prog.Root, Entry{
			Priority: priorityFlow,
			Match:    m,
			Fwd:      Fwd{Kind: FwdPipe, Pipe: p.Name},
		})
	}
	if prog.Default != nil {
		prog.Root = append(prog.Root, Entry{
			Priority: priorityDefault,
			Match:    prog.Default.Match,
			Fwd:      Fwd{Kind: FwdPipe, Pipe: prog.Default.Name},
		})
	}
	return prog, nil
}

// Steerer is a hardware (or software) flow-steering target.
type Steerer interface {
	CreatePipe(p *Pipe) error
	AddRootEntry(e Entry) error
	// Commit flushes staged pipes and entries; traffic is steered by the
	// program only after Commit returns.
	Commit() error
}

// Install pushes a program into s and commits it.
func Install(s Steerer, p *Program) error {
	if p.Default != nil {
		if err := s.CreatePipe(p.Default); err != nil {
			return fmt.Errorf("create default pipe: %w", err)
		}
	}
	for _, fp := range p.Flows {
		if err := s.CreatePipe(fp); err != nil {
			return fmt.Errorf("create pipe %s: %w", fp.Name, err)
		}
	}
	for _, e := range p.Root {
		if err := s.AddRootEntry(e); err != nil {
			return fmt.Errorf("add root entry for %s: %w", e.Fwd, err)
		}
	}
	if err := s.Commit(); err != nil {
		return fmt.Errorf("commit port %d: %w", p.Port, err)
	}
	slog.Info("flow steering installed",
		"port", p.Port,
		"flows", len(p.Flows),
		"default", p.Default != nil)
	return nil
}

package flow

import (
	"fmt"
	"sort"
	"sync"
)

// maxPipeDepth bounds pipe-to-pipe chains during classification.
const maxPipeDepth = 8

// Recorder is an in-memory Steerer that evaluates the committed program
// in software. Staged changes become visible atomically on Commit.
type Recorder struct {
	mu        sync.RWMutex
	pipes     map[string]*Pipe
	root      []Entry
	staged    map[string]*Pipe
	stagedRE  []Entry
	committed bool
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{staged: make(map[string]*Pipe)}
}

// CreatePipe stages a pipe.
func (r *Recorder) CreatePipe(p *Pipe) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.staged[p.Name]; ok {
		return fmt.Errorf("pipe %q already exists", p.Name)
	}
	cp := *p
	r.staged[p.Name] = &cp
	return nil
}

// AddRootEntry stages a root entry. Its target pipe must already be staged.
func (r *Recorder) AddRootEntry(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Fwd.Kind == FwdPipe {
		if _, ok := r.staged[e.Fwd.Pipe]; !ok {
			return fmt.Errorf("root entry references unknown pipe %q", e.Fwd.Pipe)
		}
	}
	r.stagedRE = append(r.stagedRE, e)
	return nil
}

// Commit activates the staged program.
func (r *Recorder) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	root := append([]Entry(nil), r.stagedRE...)
	sort.SliceStable(root, func(i, j int) bool { return root[i].Priority < root[j].Priority })
	r.pipes = r.staged
	r.root = root
	r.staged = make(map[string]*Pipe)
	r.stagedRE = nil
	r.committed = true
	return nil
}

// Committed reports whether a program is active.
func (r *Recorder) Committed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.committed
}

// Classify returns the queue a packet is steered to. It returns false
// when the packet is dropped or no program is committed.
func (r *Recorder) Classify(meta PacketMeta) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.root {
		if e.Match.Matches(meta) {
			return r.forward(e.Fwd, meta, 0)
		}
	}
	return 0, false
}

func (r *Recorder) forward(f Fwd, meta PacketMeta, depth int) (uint16, bool) {
	switch f.Kind {
	case FwdQueue:
		return f.Queue, true
	case FwdRSS:
		if len(f.Queues) == 0 {
			return 0, false
		}
		return f.Queues[RSSHash(meta)%uint64(len(f.Queues))], true
	case FwdPipe:
		if depth >= maxPipeDepth {
			return 0, false
		}
		p, ok := r.pipes[f.Pipe]
		if !ok {
			return 0, false
		}
		if p.Match.Matches(meta) {
			return r.forward(p.Fwd, meta, depth+1)
		}
		return r.forward(p.Miss, meta, depth+1)
	default:
		return 0, false
	}
}

// Pipes returns the committed pipes sorted by name.
func (r *Recorder) Pipes() []Pipe {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pipe, 0, len(r.pipes))
	for _, p := range r.pipes {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RootEntries returns the committed root entries in evaluation order.
func (r *Recorder) RootEntries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.root...)
}

package semaphore

import (
	"sync"
	"testing"
)

func TestNewRejectsEmpty(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero-size ring")
	}
}

func TestPublishRequiresFree(t *testing.T) {
	r, _ := New(2)
	if !r.Publish(0, Info{NumPkts: 1}) {
		t.Fatal("Publish into FREE slot failed")
	}
	if r.Publish(0, Info{NumPkts: 2}) {
		t.Fatal("Publish into READY slot succeeded")
	}
	if got := r.Info(0).NumPkts; got != 1 {
		t.Errorf("info overwritten: NumPkts = %d", got)
	}
	r.Release(0)
	if st, _ := r.Status(0); st != Free {
		t.Errorf("status after Release = %s", st)
	}
}

func TestStatusOutOfRange(t *testing.T) {
	r, _ := New(4)
	if _, err := r.Status(4); err == nil {
		t.Error("expected error for index 4")
	}
	if _, err := r.Status(-1); err == nil {
		t.Error("expected error for index -1")
	}
}

// A single producer and single consumer walking the ring with their own
// cursors see every slot exactly once, in order, across many wraps.
func TestCursorRoundRobin(t *testing.T) {
	const (
		size    = 8
		batches = 1000
	)
	r, _ := New(size)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cur := 0
		for seq := 0; seq < batches; {
			if r.Publish(cur, Info{NumPkts: uint32(seq), Pkt0Idx: uint32(cur)}) {
				cur = r.Next(cur)
				seq++
			}
		}
	}()

	cur := 0
	for want := 0; want < batches; {
		st, err := r.Status(cur)
		if err != nil {
			t.Fatal(err)
		}
		if st != Ready {
			continue
		}
		info := r.Info(cur)
		if info.NumPkts != uint32(want) {
			t.Fatalf("slot %d: got batch %d, want %d", cur, info.NumPkts, want)
		}
		if info.Pkt0Idx != uint32(cur) {
			t.Fatalf("slot %d carried cursor %d", cur, info.Pkt0Idx)
		}
		r.Release(cur)
		cur = r.Next(cur)
		want++
	}
	wg.Wait()
	if cur != batches%size {
		t.Errorf("final cursor = %d, want %d", cur, batches%size)
	}
	if r.Ready() != 0 {
		t.Errorf("%d slots left READY", r.Ready())
	}
}

package burst

import (
	"errors"
	"sync"
	"testing"
)

func TestPoolGetPut(t *testing.T) {
	p := NewPool("rx", 63, 0)
	if p.Available() != 63 {
		t.Fatalf("available = %d, want 63", p.Available())
	}

	var got []*Burst
	for {
		b, ok := p.Get()
		if !ok {
			break
		}
		got = append(got, b)
	}
	if len(got) != 63 {
		t.Fatalf("drained %d descriptors, want 63", len(got))
	}
	if _, ok := p.Get(); ok {
		t.Fatal("Get on empty pool succeeded")
	}

	seen := make(map[*Burst]bool)
	for _, b := range got {
		if seen[b] {
			t.Fatal("pool handed out the same descriptor twice")
		}
		seen[b] = true
		if err := p.Put(b); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if p.Available() != 63 {
		t.Errorf("available after refill = %d, want 63", p.Available())
	}
}

func TestPoolDoubleRelease(t *testing.T) {
	p := NewPool("tx", 4, 8)
	b, ok := p.Get()
	if !ok {
		t.Fatal("Get failed")
	}
	if len(b.PktLens) != 8 {
		t.Fatalf("PktLens len = %d, want 8", len(b.PktLens))
	}
	if err := p.Put(b); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := p.Put(b); !errors.Is(err, ErrDoubleRelease) {
		t.Fatalf("second Put = %v, want ErrDoubleRelease", err)
	}
	if p.Available() != 4 {
		t.Errorf("available = %d, want 4", p.Available())
	}
}

func TestPoolForeignBurst(t *testing.T) {
	a := NewPool("a", 2, 0)
	b := NewPool("b", 2, 0)
	d, _ := a.Get()
	if err := b.Put(d); !errors.Is(err, ErrForeignBurst) {
		t.Fatalf("Put into foreign pool = %v, want ErrForeignBurst", err)
	}
	if !a.Owns(d) || b.Owns(d) {
		t.Error("Owns reports the wrong pool")
	}
	if err := b.Put(&Burst{}); !errors.Is(err, ErrForeignBurst) {
		t.Fatalf("Put of unowned burst = %v, want ErrForeignBurst", err)
	}
}

func TestPoolRejectsQueuedBurst(t *testing.T) {
	p := NewPool("tx", 2, 0)
	r := NewRing("tx_ring", 2)
	b, _ := p.Get()
	if err := r.Enqueue(b); err != nil {
		t.Fatal(err)
	}
	if err := p.Put(b); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("Put of queued burst = %v, want ErrAlreadyQueued", err)
	}
	if p.Available() != 1 {
		t.Errorf("available = %d, want 1", p.Available())
	}

	got, ok := r.Dequeue()
	if !ok || got != b {
		t.Fatal("Dequeue did not return the queued burst")
	}
	if err := p.Put(b); err != nil {
		t.Fatalf("Put after Dequeue: %v", err)
	}
	if p.Available() != 2 {
		t.Errorf("available after Put = %d, want 2", p.Available())
	}
}

func TestPoolGetResetsDescriptor(t *testing.T) {
	p := NewPool("tx", 1, 4)
	b, _ := p.Get()
	b.Port, b.Queue, b.NumPkts, b.NBytes = 1, 2, 3, 4
	b.PktLens[0] = 99
	p.Put(b)

	b, _ = p.Get()
	if b.Port != 0 || b.Queue != 0 || b.NumPkts != 0 || b.NBytes != 0 || b.PktLens[0] != 0 {
		t.Errorf("descriptor not reset: %+v", b)
	}
}

func TestPoolConcurrent(t *testing.T) {
	p := NewPool("rx", 64, 0)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10000; i++ {
				b, ok := p.Get()
				if !ok {
					continue
				}
				if err := p.Put(b); err != nil {
					t.Errorf("Put: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if p.Available() != 64 {
		t.Errorf("available = %d, want 64", p.Available())
	}
}

package keylock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := New()
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "AAPL")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxSeen)
	}
	if m.Len() != 0 {
		t.Fatalf("expected entries released, got %d", m.Len())
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	m := New()
	ctx := context.Background()
	unlockA, err := m.Lock(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Lock AAPL: %v", err)
	}
	defer unlockA()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := m.Lock(ctx2, "NVDA")
	if err != nil {
		t.Fatalf("Lock NVDA: %v", err)
	}
	unlockB()
}

func TestLockHonorsContext(t *testing.T) {
	m := New()
	unlock, err := m.Lock(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "AAPL"); err == nil {
		t.Fatalf("expected context error")
	}
	unlock()
	unlock()
	if m.Len() != 0 {
		t.Fatalf("expected entries released, got %d", m.Len())
	}
}

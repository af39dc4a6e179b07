package ledger

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreAllowance(t *testing.T) {
	s := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	// 3 free requests per hour: the 4th is denied.
	for i := 0; i < 3; i++ {
		ok, err := s.Allow(ctx, "1.2.3.4", 3, time.Hour)
		if err != nil || !ok {
			t.Fatalf("request %d: allow = %v, err = %v", i+1, ok, err)
		}
	}
	if ok, _ := s.Allow(ctx, "1.2.3.4", 3, time.Hour); ok {
		t.Fatal("4th request within window was allowed")
	}

	// A different identity has its own allowance.
	if ok, _ := s.Allow(ctx, "5.6.7.8", 3, time.Hour); !ok {
		t.Fatal("fresh identity denied")
	}

	// After the window elapses the counter resets.
	now = now.Add(time.Hour + time.Second)
	if ok, _ := s.Allow(ctx, "1.2.3.4", 3, time.Hour); !ok {
		t.Fatal("counter did not reset after window")
	}
}

func TestMemoryStoreZeroLimit(t *testing.T) {
	s := NewMemoryStore()
	if ok, _ := s.Allow(context.Background(), "x", 0, time.Hour); ok {
		t.Fatal("zero limit allowed a request")
	}
	if ok, _ := s.Allow(context.Background(), "x", -1, time.Hour); ok {
		t.Fatal("negative limit allowed a request")
	}
}

func TestMemoryStoreConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const workers = 50
	const limit = 10

	var wg sync.WaitGroup
	allowed := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Allow(ctx, "same-key", limit, time.Hour)
			if err != nil {
				t.Errorf("Allow() failed: %v", err)
				return
			}
			if ok {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	n := 0
	for range allowed {
		n++
	}
	if n != limit {
		t.Fatalf("%d requests allowed, want exactly %d", n, limit)
	}
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLimiter() (*Limiter, *MemoryStore) {
	store := NewMemoryStore()
	return NewLimiter(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestLimiter_DeniesOverBudget(t *testing.T) {
	limiter, _ := testLimiter()
	policy := Policy{Name: "auth", Window: time.Minute, MaxRequests: 5}

	for i := 1; i <= 5; i++ {
		dec := limiter.Check(t.Context(), policy, "10.0.0.1")
		if !dec.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
		if dec.Remaining != 5-i {
			t.Errorf("request %d: remaining = %d, want %d", i, dec.Remaining, 5-i)
		}
	}

	dec := limiter.Check(t.Context(), policy, "10.0.0.1")
	if dec.Allowed {
		t.Fatal("6th request allowed, want denied")
	}
	if dec.RetryAfter <= 0 || dec.RetryAfter > policy.Window {
		t.Errorf("RetryAfter = %v, want in (0, %v]", dec.RetryAfter, policy.Window)
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	limiter := NewLimiter(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	policy := Policy{Name: "search", Window: time.Minute, MaxRequests: 2}

	limiter.Check(t.Context(), policy, "c1")
	limiter.Check(t.Context(), policy, "c1")
	if dec := limiter.Check(t.Context(), policy, "c1"); dec.Allowed {
		t.Fatal("3rd request within window allowed, want denied")
	}

	// Advance past the window: the counter resets to 1.
	now = now.Add(time.Minute)
	dec := limiter.Check(t.Context(), policy, "c1")
	if !dec.Allowed {
		t.Fatal("request after window reset denied, want allowed")
	}
	if dec.Remaining != 1 {
		t.Errorf("remaining after reset = %d, want 1", dec.Remaining)
	}
}

func TestLimiter_IndependentPolicies(t *testing.T) {
	limiter, _ := testLimiter()
	general := Policy{Name: "general", Window: time.Minute, MaxRequests: 2}
	payment := Policy{Name: "payment", Window: time.Minute, MaxRequests: 2}

	limiter.Check(t.Context(), general, "c1")
	limiter.Check(t.Context(), general, "c1")
	if dec := limiter.Check(t.Context(), general, "c1"); dec.Allowed {
		t.Fatal("general budget exhausted but still allowed")
	}

	// The payment tier keeps its own budget for the same identity.
	if dec := limiter.Check(t.Context(), payment, "c1"); !dec.Allowed {
		t.Fatal("payment check denied after exhausting general budget")
	}
}

func TestLimiter_IndependentIdentities(t *testing.T) {
	limiter, _ := testLimiter()
	policy := Policy{Name: "auth", Window: time.Minute, MaxRequests: 1}

	limiter.Check(t.Context(), policy, "a")
	if dec := limiter.Check(t.Context(), policy, "b"); !dec.Allowed {
		t.Fatal("identity b denied after identity a's budget was used")
	}
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("store down")
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	limiter := NewLimiter(failingStore{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	policy := Policy{Name: "general", Window: time.Minute, MaxRequests: 1}

	for i := 0; i < 3; i++ {
		if dec := limiter.Check(t.Context(), policy, "c1"); !dec.Allowed {
			t.Fatal("store failure must fail open")
		}
	}
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	store := NewMemoryStore()

	const (
		goroutines = 16
		perRoutine = 200
	)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perRoutine; i++ {
				if _, _, err := store.Incr(context.Background(), "hot-key", time.Hour); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	count, _, err := store.Incr(context.Background(), "hot-key", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(goroutines*perRoutine + 1); count != want {
		t.Errorf("count = %d, want %d (lost updates)", count, want)
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	store.Incr(context.Background(), "stale", time.Minute)
	store.Incr(context.Background(), "fresh", time.Minute)

	if got := store.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}

	// Only "stale" crosses the 3x-window idle threshold.
	now = now.Add(3 * time.Minute)
	store.Incr(context.Background(), "fresh", time.Minute)
	store.sweep()

	if got := store.Len(); got != 1 {
		t.Errorf("Len after sweep = %d, want 1", got)
	}
}

func TestSelectPolicy(t *testing.T) {
	policies := []Policy{
		{Name: "general", Window: 15 * time.Minute, MaxRequests: 100},
		{Name: "auth", Window: 15 * time.Minute, MaxRequests: 5, Prefixes: []string{"/api/auth"}},
		{Name: "payment", Window: time.Hour, MaxRequests: 10, Prefixes: []string{"/api/payments", "/api/subscriptions"}},
		{Name: "search", Window: time.Minute, MaxRequests: 30, Prefixes: []string{"/api/search"}},
	}

	tests := []struct {
		path string
		want string
	}{
		{"/api/auth/login", "auth"},
		{"/api/auth", "auth"},
		{"/api/payments/checkout", "payment"},
		{"/api/subscriptions/1", "payment"},
		{"/api/search", "search"},
		{"/api/courses/42", "general"},
		{"/api/authors", "general"},
		{"/", "general"},
	}

	for _, tt := range tests {
		got, ok := SelectPolicy(policies, tt.path)
		if !ok {
			t.Errorf("SelectPolicy(%q): no policy", tt.path)
			continue
		}
		if got.Name != tt.want {
			t.Errorf("SelectPolicy(%q) = %s, want %s", tt.path, got.Name, tt.want)
		}
	}
}

func TestSelectPolicy_NoCatchAll(t *testing.T) {
	policies := []Policy{
		{Name: "auth", Window: time.Minute, MaxRequests: 5, Prefixes: []string{"/api/auth"}},
	}
	if _, ok := SelectPolicy(policies, "/api/courses"); ok {
		t.Error("expected no policy for unscoped path without a catch-all tier")
	}
}

func BenchmarkMemoryStore_Incr(b *testing.B) {
	store := NewMemoryStore()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("ratelimit:general:10.0.0.%d", i%256)
			store.Incr(context.Background(), key, time.Minute)
			i++
		}
	})
}

package routing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shardis/shardis/pkg/mapstore"
	"github.com/shardis/shardis/pkg/ring"
	"github.com/shardis/shardis/pkg/shardis"
)

type countingMetrics struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (m *countingMetrics) RouteHit(string, shardis.ShardId, bool) { m.hits.Add(1) }
func (m *countingMetrics) RouteMiss(string)                       { m.misses.Add(1) }

func newDefaultRouter(t *testing.T) (*Router[string], *countingMetrics) {
	t.Helper()
	strat, err := NewDefaultStrategy([]shardis.ShardId{"a", "b", "c"})
	if err != nil {
		t.Fatalf("NewDefaultStrategy: %v", err)
	}
	store := mapstore.New[string]()
	metrics := &countingMetrics{}
	r := New[string]("default", strat, store, shardis.NewXXHashKeyHasher[string](), WithMetrics[string](metrics))
	return r, metrics
}

func TestRouteIsDeterministicAcrossCalls(t *testing.T) {
	r, _ := newDefaultRouter(t)
	key := shardis.NewShardKey("user-42")

	first, err := r.Route(context.Background(), key)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, err := r.Route(context.Background(), key)
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if got != first {
			t.Fatalf("routing drifted: got %q, want %q", got, first)
		}
	}
}

func TestRouteEmitsExactlyOneMissPerKeyUnderContention(t *testing.T) {
	r, metrics := newDefaultRouter(t)
	key := shardis.NewShardKey("hot-key")

	const callers = 64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if _, err := r.Route(context.Background(), key); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := metrics.misses.Load(); got != 1 {
		t.Fatalf("RouteMiss fired %d times, want exactly 1", got)
	}
	if got := metrics.hits.Load(); got != callers {
		t.Fatalf("RouteHit fired %d times, want %d", got, callers)
	}
}

func TestRouteDistinctKeysEachGetOwnMiss(t *testing.T) {
	r, metrics := newDefaultRouter(t)
	for i := 0; i < 10; i++ {
		key := shardis.NewShardKey(string(rune('a' + i)))
		if _, err := r.Route(context.Background(), key); err != nil {
			t.Fatalf("Route: %v", err)
		}
	}
	if got := metrics.misses.Load(); got != 10 {
		t.Fatalf("got %d misses, want 10", got)
	}
}

func TestRouteReassignsWhenStoredShardLeavesTopology(t *testing.T) {
	hasher := shardis.NewXXHashKeyHasher[string]()
	store := mapstore.New[string]()
	r1, err := ring.New(shardis.XXHashRingHasher{}, []shardis.ShardId{"a", "b"}, 8)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	strat := NewConsistentHashStrategy(r1)
	metrics := &countingMetrics{}
	router := New[string]("consistent-hash", strat, store, hasher, WithMetrics[string](metrics))

	key := shardis.NewShardKey("some-key")
	first, err := router.Route(context.Background(), key)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	if err := r1.RemoveShard(first); err != nil {
		t.Fatalf("RemoveShard: %v", err)
	}

	second, err := router.Route(context.Background(), key)
	if err != nil {
		t.Fatalf("Route after removal: %v", err)
	}
	if second == first {
		t.Fatalf("expected reassignment away from removed shard %q", first)
	}
	if !r1.Current().Contains(second) {
		t.Fatalf("reassigned shard %q is not part of current topology", second)
	}
}

func TestNewDefaultStrategyRejectsEmptyAndDuplicateShards(t *testing.T) {
	if _, err := NewDefaultStrategy(nil); err == nil {
		t.Fatal("expected error for empty shard set")
	}
	if _, err := NewDefaultStrategy([]shardis.ShardId{"a", "a"}); err == nil {
		t.Fatal("expected error for duplicate shard id")
	}
}

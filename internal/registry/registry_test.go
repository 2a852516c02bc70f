package registry

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kawpowd/stratum/internal/config"
	"github.com/kawpowd/stratum/internal/jobcache"
)

// testRegistry builds a Registry backed by a Redis client pointed at an
// address nothing is listening on. Presence-cache calls fail and are
// logged, exactly as they would during a Redis outage; registry state
// itself does not depend on those calls succeeding.
func testRegistry() *Registry {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	cache := jobcache.NewWithClient(client, config.RedisConfig{KeyPrefix: "test:"}, zap.NewNop())
	return New(zap.NewNop(), cache)
}

func TestRegisterAddsWorker(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	w := r.Register(ctx, "worker1.rig1", "1.2.3.4:1234", 16)
	if w.Name != "worker1.rig1" || w.Difficulty != 16 {
		t.Errorf("unexpected worker: %+v", w)
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 registered worker, got %d", r.Count())
	}
}

func TestRegisterIsIdempotentPerName(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	r.Register(ctx, "worker1", "1.2.3.4:1", 16)
	r.Register(ctx, "worker1", "5.6.7.8:2", 16)

	if r.Count() != 1 {
		t.Errorf("expected re-registering the same name to update in place, got %d workers", r.Count())
	}
	if got := r.Get("worker1").Address; got != "5.6.7.8:2" {
		t.Errorf("expected address to be refreshed, got %q", got)
	}
}

func TestDisconnectRemovesWorker(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	r.Register(ctx, "worker1", "1.2.3.4:1", 16)
	r.Disconnect(ctx, "worker1")

	if r.Count() != 0 {
		t.Errorf("expected 0 workers after disconnect, got %d", r.Count())
	}
	if r.Get("worker1") != nil {
		t.Error("expected Get to return nil after disconnect")
	}
}

func TestRecordShareCountsByOutcome(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()
	r.Register(ctx, "worker1", "1.2.3.4:1", 16)

	r.RecordShare("worker1", true, false, 16)
	r.RecordShare("worker1", false, true, 16)
	r.RecordShare("worker1", false, false, 16)

	w := r.Get("worker1")
	if w.ValidShares != 1 {
		t.Errorf("expected 1 valid share, got %d", w.ValidShares)
	}
	if w.StaleShares != 1 {
		t.Errorf("expected 1 stale share, got %d", w.StaleShares)
	}
	if w.InvalidShares != 1 {
		t.Errorf("expected 1 invalid share, got %d", w.InvalidShares)
	}
}

func TestRecordShareIgnoresUnknownWorker(t *testing.T) {
	r := testRegistry()
	r.RecordShare("ghost", true, false, 16)
	if r.Get("ghost") != nil {
		t.Error("RecordShare must not create a worker entry for an unregistered name")
	}
}

func TestSetDifficultyUpdatesWorker(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()
	r.Register(ctx, "worker1", "1.2.3.4:1", 16)

	r.SetDifficulty("worker1", 64)
	if got := r.Get("worker1").Difficulty; got != 64 {
		t.Errorf("expected difficulty 64, got %v", got)
	}
}

func TestAllReturnsEveryWorker(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()
	r.Register(ctx, "worker1", "1.2.3.4:1", 16)
	r.Register(ctx, "worker2", "1.2.3.4:2", 16)

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(all))
	}
}

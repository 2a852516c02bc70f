package jobcache

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kawpowd/stratum/internal/config"
)

func testCache(keyPrefix string) *Cache {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	cfg := config.RedisConfig{KeyPrefix: keyPrefix}
	return NewWithClient(client, cfg, zap.NewNop())
}

func TestKeyJoinsPartsWithPrefix(t *testing.T) {
	c := testCache("stratum:")

	got := c.key("workers", "online")
	want := "stratum:workers:online"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestKeySinglePart(t *testing.T) {
	c := testCache("stratum:")

	got := c.key("job")
	want := "stratum:job"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestKeyEmptyPrefix(t *testing.T) {
	c := testCache("")

	got := c.key("job", "current")
	want := "job:current"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

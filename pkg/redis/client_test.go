package redis

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/affiliate-ledger/pkg/config"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindowAllow(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	allowed, count, err := client.FixedWindowAllow(ctx, "test-scope", 2, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed on first request")
	}
	if count != 1 {
		t.Fatalf("expected counter 1 got %d", count)
	}
	if len(mock.expireCalls) != 1 {
		t.Fatalf("expected expire for first increment")
	}
	if call := mock.expireCalls[0]; call.ttl != 2*time.Hour || !strings.HasPrefix(call.key, "aff:rate_limit:test-scope:") {
		t.Fatalf("unexpected expire call %+v", call)
	}

	allowed, count, err = client.FixedWindowAllow(ctx, "test-scope", 2, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed || count != 2 {
		t.Fatalf("unexpected second call state allowed=%v count=%d", allowed, count)
	}
	if len(mock.expireCalls) != 1 {
		t.Fatalf("expire should not be set again")
	}

	allowed, _, err = client.FixedWindowAllow(ctx, "test-scope", 2, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected limit reached")
	}

	if _, _, err := client.FixedWindowAllow(ctx, "test-scope", 2, 0); err == nil {
		t.Fatalf("expected error for a zero window")
	}
}

func TestDelIfValueOnlyRemovesOwnedKey(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}
	lockKey := client.LockKey("cron")

	if _, err := client.SetNX(ctx, lockKey, "owner-a", time.Minute); err != nil {
		t.Fatalf("setnx failed: %v", err)
	}
	removed, err := client.DelIfValue(ctx, lockKey, "owner-b")
	if err != nil || removed {
		t.Fatalf("foreign owner must not delete, got %v %v", removed, err)
	}
	if v, _ := client.Get(ctx, lockKey); v != "owner-a" {
		t.Fatalf("lock value changed to %q", v)
	}
	removed, err = client.DelIfValue(ctx, lockKey, "owner-a")
	if err != nil || !removed {
		t.Fatalf("owner must delete, got %v %v", removed, err)
	}
	if mock.evals != 1 {
		t.Fatalf("expected one EVAL fallback after NOSCRIPT, got %d", mock.evals)
	}
}

func TestSetNXOnlyOnce(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	first, err := client.SetNX(ctx, client.IdempotencyKey("evt", "1"), "1", time.Minute)
	if err != nil || !first {
		t.Fatalf("expected first SetNX to succeed, got %v %v", first, err)
	}
	second, err := client.SetNX(ctx, client.IdempotencyKey("evt", "1"), "1", time.Minute)
	if err != nil || second {
		t.Fatalf("expected second SetNX to be rejected, got %v %v", second, err)
	}

	if err := client.Del(ctx, client.IdempotencyKey("evt", "1")); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if _, err := client.Get(ctx, client.IdempotencyKey("evt", "1")); err != redis.Nil {
		t.Fatalf("expected redis.Nil after delete, got %v", err)
	}
}

func TestUninitializedClient(t *testing.T) {
	client := &Client{}
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected error from uninitialized client")
	}
	if _, err := client.DelIfValue(context.Background(), "k", "v"); err == nil {
		t.Fatal("expected error from uninitialized client")
	}
	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Fatalf("closing a nil client: %v", err)
	}
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	if got := client.IdempotencyKey("scope", "id"); got != "aff:idempotency:scope:id" {
		t.Fatalf("unexpected idempotency key %s", got)
	}
	if got := client.RateLimitKey("clicks:1.2.3.4"); got != "aff:rate_limit:clicks:1.2.3.4" {
		t.Fatalf("unexpected rate limit key %s", got)
	}
	if got := client.CacheKey("stats", "global"); got != "aff:cache:stats:global" {
		t.Fatalf("unexpected cache key %s", got)
	}
	if got := client.CacheKey("stats", "", "global"); got != "aff:cache:stats:global" {
		t.Fatalf("cache key should skip empty parts, got %s", got)
	}
	if got := client.LockKey("cron-worker"); got != "aff:lock:cron-worker" {
		t.Fatalf("unexpected lock key %s", got)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	if _, err := optionsFromConfig(config.RedisConfig{}); err == nil {
		t.Fatal("expected error without url or address")
	}
	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://localhost:6379/2", PoolSize: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.DB != 2 || opts.PoolSize != 7 || opts.Addr != "localhost:6379" {
		t.Fatalf("unexpected options %+v", opts)
	}
	opts, err = optionsFromConfig(config.RedisConfig{Address: "cache:6380", DB: 3, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "cache:6380" || opts.DB != 3 || opts.DialTimeout != time.Second {
		t.Fatalf("unexpected options %+v", opts)
	}
}

type mockCmdable struct {
	data        map[string]string
	incr        map[string]int64
	expireCalls []expireCall
	evals       int
}

type noScriptError struct{}

func (noScriptError) Error() string { return "NOSCRIPT No matching script" }
func (noScriptError) RedisError()   {}

type expireCall struct {
	key string
	ttl time.Duration
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{
		data: make(map[string]string),
		incr: make(map[string]int64),
	}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Incr(ctx context.Context, key string) *redis.IntCmd {
	m.incr[key]++
	return redis.NewIntResult(m.incr[key], nil)
}

func (m *mockCmdable) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	m.expireCalls = append(m.expireCalls, expireCall{key: key, ttl: expiration})
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (m *mockCmdable) EvalSha(context.Context, string, []string, ...any) *redis.Cmd {
	return redis.NewCmdResult(nil, noScriptError{})
}

// Eval only understands the owner-checked delete script.
func (m *mockCmdable) Eval(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	m.evals++
	if m.data[keys[0]] != fmt.Sprint(args[0]) {
		return redis.NewCmdResult(int64(0), nil)
	}
	delete(m.data, keys[0])
	return redis.NewCmdResult(int64(1), nil)
}

func (m *mockCmdable) EvalRO(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return m.Eval(ctx, script, keys, args...)
}

func (m *mockCmdable) EvalShaRO(ctx context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	return m.EvalSha(ctx, sha, keys, args...)
}

func (m *mockCmdable) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (m *mockCmdable) ScriptLoad(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestStoreTTLExpiry(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, err := NewStore(Config{Root: t.TempDir(), TTL: time.Minute, MaxEntries: 10, Now: c.now})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if err := store.Set(ctx, "npm-versions:@sap/cds", []byte(`["8.0.0"]`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, err := store.Get(ctx, "npm-versions:@sap/cds"); err != nil || !ok {
		t.Fatalf("get before expiry: ok=%v err=%v", ok, err)
	}

	c.t = c.t.Add(2 * time.Minute)
	if _, ok, err := store.Get(ctx, "npm-versions:@sap/cds"); err != nil {
		t.Fatalf("get after expiry: %v", err)
	} else if ok {
		t.Fatalf("expected miss after ttl expiry")
	}
	if store.Len() != 0 {
		t.Fatalf("expired entry should be dropped, len=%d", store.Len())
	}
}

func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, err := NewStore(Config{Root: t.TempDir(), TTL: time.Hour, MaxEntries: 2, Now: c.now})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	tick := func() { c.t = c.t.Add(time.Second) }

	if err := store.Set(ctx, "a", []byte("aa")); err != nil {
		t.Fatalf("set a: %v", err)
	}
	tick()
	if err := store.Set(ctx, "b", []byte("bb")); err != nil {
		t.Fatalf("set b: %v", err)
	}
	tick()
	if _, ok, err := store.Get(ctx, "a"); err != nil || !ok {
		t.Fatalf("touch a: ok=%v err=%v", ok, err)
	}
	tick()
	if err := store.Set(ctx, "c", []byte("cc")); err != nil {
		t.Fatalf("set c: %v", err)
	}

	if _, ok, _ := store.Get(ctx, "b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	if _, ok, _ := store.Get(ctx, "a"); !ok {
		t.Fatalf("expected a to remain")
	}
	if _, ok, _ := store.Get(ctx, "c"); !ok {
		t.Fatalf("expected c to remain")
	}
}

func TestStoreJSONRoundTripAcrossReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	store, err := NewStore(Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SetJSON(ctx, "versions", []string{"7.9.0", "8.0.1"}); err != nil {
		t.Fatalf("set json: %v", err)
	}

	reopened, err := NewStore(Config{Root: root})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	var got []string
	ok, err := reopened.GetJSON(ctx, "versions", &got)
	if err != nil || !ok {
		t.Fatalf("get json: ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || got[1] != "8.0.1" {
		t.Fatalf("unexpected value: %v", got)
	}
}

func TestStoreCorruptValueIsAMiss(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	store, err := NewStore(Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Set(ctx, "k", []byte("{not json")); err != nil {
		t.Fatalf("set: %v", err)
	}
	var v map[string]any
	if ok, err := store.GetJSON(ctx, "k", &v); err != nil || ok {
		t.Fatalf("expected silent miss, ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(root, indexFile)); err != nil {
		t.Fatalf("index should exist: %v", err)
	}
}

func TestStoreClear(t *testing.T) {
	store, err := NewStore(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	_ = store.Set(ctx, "a", []byte("1"))
	_ = store.Set(ctx, "b", []byte("2"))
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, len=%d", store.Len())
	}
}

package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemory_SetGetDel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "v" {
		t.Errorf("Get = %q, want %q", got, "v")
	}

	if err := m.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Del = %v, want ErrNotFound", err)
	}
}

func TestMemory_GetMissingKey(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	if _, err := m.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "short", "v", 20*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Get(ctx, "short"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, err := m.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry = %v, want ErrNotFound", err)
	}
}

func TestMemory_Expire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Expire(ctx, "k", 20*time.Millisecond); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Expire elapsed = %v, want ErrNotFound", err)
	}
}

func TestMemory_SetOperations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	for _, member := range []string{"a", "b", "a"} {
		if err := m.SAdd(ctx, "set", member); err != nil {
			t.Fatalf("SAdd: %v", err)
		}
	}
	members, err := m.SMembers(ctx, "set")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("SMembers = %v, want 2 distinct members", members)
	}

	if err := m.SRem(ctx, "set", "a"); err != nil {
		t.Fatalf("SRem: %v", err)
	}
	members, _ = m.SMembers(ctx, "set")
	if len(members) != 1 || members[0] != "b" {
		t.Errorf("SMembers after SRem = %v, want [b]", members)
	}
}

func TestMemory_ListPushTrimRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	for _, v := range []string{"one", "two", "three"} {
		if err := m.LPush(ctx, "list", v); err != nil {
			t.Fatalf("LPush: %v", err)
		}
	}
	// LPush prepends: newest first.
	all, err := m.LRange(ctx, "list", 0, -1)
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(all) != 3 || all[0] != "three" || all[2] != "one" {
		t.Errorf("LRange = %v, want [three two one]", all)
	}

	if err := m.LTrim(ctx, "list", 0, 1); err != nil {
		t.Fatalf("LTrim: %v", err)
	}
	trimmed, _ := m.LRange(ctx, "list", 0, -1)
	if len(trimmed) != 2 || trimmed[0] != "three" || trimmed[1] != "two" {
		t.Errorf("LRange after LTrim = %v, want [three two]", trimmed)
	}
}

func TestMemory_PublishSubscribe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	ch, stop, err := m.Subscribe(ctx, "events")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := m.Publish(ctx, "events", []byte("payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		if string(got) != "payload" {
			t.Errorf("received %q, want %q", got, "payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published payload")
	}
}

func TestMemory_SubscribeStopClosesChannel(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	ch, stop, err := m.Subscribe(context.Background(), "events")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stop()

	select {
	case _, open := <-ch:
		if open {
			t.Error("expected channel to be closed after stop")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after stop")
	}

	// Publishing after stop must not panic or block.
	if err := m.Publish(context.Background(), "events", []byte("x")); err != nil {
		t.Fatalf("Publish after stop: %v", err)
	}
}

package message

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/rpc"
	"github.com/getrelayd/relayd/pkg/storage"
	"github.com/getrelayd/relayd/pkg/subscription"
)

// fakeSender records every payload handed to it and can be told to refuse.
type fakeSender struct {
	mu     sync.Mutex
	sends  []any
	refuse bool
}

func (f *fakeSender) Send(socketID string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.sends = append(f.sends, payload)
	return true
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeSender) last() *rpc.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return nil
	}
	return f.sends[len(f.sends)-1].(*rpc.Request)
}

func testDelivery(t *testing.T, sender Sender, opts ...DeliveryOption) *Delivery {
	t.Helper()
	mem := storage.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	store := NewStore(mem, logging.Nop(), time.Hour)
	d := NewDelivery(store, sender, logging.Nop(), opts...)
	t.Cleanup(d.Stop)
	return d
}

func testSub() subscription.Subscription {
	return subscription.Subscription{
		ID:       "sub-1",
		Topic:    "t1",
		SocketID: "sock-1",
		Method:   rpc.Irn.Subscription,
	}
}

func TestPushMessage_SendsAndTracks(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := testDelivery(t, sender, WithRetryPolicy(time.Hour, 3))
	ctx := context.Background()

	if err := d.PushMessage(ctx, testSub(), "m1"); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("sends = %d, want 1", sender.count())
	}
	if d.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", d.PendingCount())
	}

	req := sender.last()
	if req.Method != "irn_subscription" {
		t.Errorf("push method = %q", req.Method)
	}
	if _, err := d.store.GetPendingRequest(ctx, req.ID); err != nil {
		t.Errorf("no pending record for request %d: %v", req.ID, err)
	}
}

func TestPushMessage_FailedSendArmsNoTimer(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{refuse: true}
	d := testDelivery(t, sender, WithRetryPolicy(10*time.Millisecond, 3))

	if err := d.PushMessage(context.Background(), testSub(), "m1"); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after refused send", d.PendingCount())
	}
	time.Sleep(50 * time.Millisecond)
	if sender.count() != 0 {
		t.Errorf("sends = %d, refused delivery must not retry", sender.count())
	}
}

func TestAckMessage_StopsRetries(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := testDelivery(t, sender, WithRetryPolicy(40*time.Millisecond, 5))
	ctx := context.Background()

	if err := d.PushMessage(ctx, testSub(), "m1"); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	req := sender.last()

	if err := d.AckMessage(ctx, req.ID); err != nil {
		t.Fatalf("AckMessage: %v", err)
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after ack", d.PendingCount())
	}
	if _, err := d.store.GetPendingRequest(ctx, req.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("pending record survived ack: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if sender.count() != 1 {
		t.Errorf("sends = %d, want 1 (no retries after ack)", sender.count())
	}
}

func TestAckMessage_UnknownIDIsNoOp(t *testing.T) {
	t.Parallel()
	d := testDelivery(t, &fakeSender{})
	if err := d.AckMessage(context.Background(), 999); err != nil {
		t.Errorf("AckMessage on unknown id = %v, want nil", err)
	}
}

func TestRetry_ExhaustsBudgetAndDrops(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := testDelivery(t, sender, WithRetryPolicy(20*time.Millisecond, 3))
	ctx := context.Background()

	if err := d.PushMessage(ctx, testSub(), "m1"); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	req := sender.last()

	// Budget of 3 total sends: the initial one plus two retries, then drop.
	time.Sleep(200 * time.Millisecond)

	if got := sender.count(); got != 3 {
		t.Errorf("sends = %d, want exactly 3", got)
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after exhaustion", d.PendingCount())
	}
	if _, err := d.store.GetPendingRequest(ctx, req.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("pending record survived exhaustion: %v", err)
	}
}

func TestRetry_ResendsIdenticalRequest(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := testDelivery(t, sender, WithRetryPolicy(20*time.Millisecond, 2))

	if err := d.PushMessage(context.Background(), testSub(), "m1"); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sends) != 2 {
		t.Fatalf("sends = %d, want 2", len(sender.sends))
	}
	first := sender.sends[0].(*rpc.Request)
	second := sender.sends[1].(*rpc.Request)
	if first.ID != second.ID {
		t.Errorf("retry changed the request id: %d vs %d", first.ID, second.ID)
	}
}

func TestRetry_StopsWhenConnectionGone(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := testDelivery(t, sender, WithRetryPolicy(20*time.Millisecond, 5))
	ctx := context.Background()

	if err := d.PushMessage(ctx, testSub(), "m1"); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	req := sender.last()

	// Connection disappears before the first retry fires.
	sender.mu.Lock()
	sender.refuse = true
	sender.mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 for undeliverable request", d.PendingCount())
	}
	if _, err := d.store.GetPendingRequest(ctx, req.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("pending record survived undeliverable drop: %v", err)
	}
}

func TestStop_CancelsAllTimers(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := testDelivery(t, sender, WithRetryPolicy(30*time.Millisecond, 5))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sub := testSub()
		if err := d.PushMessage(ctx, sub, "m"+string(rune('a'+i))); err != nil {
			t.Fatalf("PushMessage: %v", err)
		}
	}
	if d.PendingCount() != 3 {
		t.Fatalf("PendingCount = %d, want 3", d.PendingCount())
	}

	d.Stop()
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after Stop", d.PendingCount())
	}
	time.Sleep(100 * time.Millisecond)
	if sender.count() != 3 {
		t.Errorf("sends = %d, want 3 (no retries after Stop)", sender.count())
	}
}

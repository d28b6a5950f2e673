package message

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/rpc"
	"github.com/getrelayd/relayd/pkg/storage"
	"github.com/getrelayd/relayd/pkg/subscription"
)

// Retry policy. RetrialMax is the total send budget per delivery: one
// initial send plus at most RetrialMax-1 retries, each spaced by
// RetrialTimeout.
const (
	RetrialTimeout = 5 * time.Second
	RetrialMax     = 3
)

// storeOpTimeout bounds store operations issued from timer callbacks, which
// have no caller-provided context.
const storeOpTimeout = 10 * time.Second

// Sender delivers a payload to a connection. Implemented by the socket
// connection registry. A false return means the payload could not be handed
// to the transport and must not be retried.
type Sender interface {
	Send(socketID string, payload any) bool
}

type pendingDelivery struct {
	counter int // sends performed so far
	timer   *time.Timer
}

// Delivery owns the at-least-once guarantee: it pushes framed requests to
// connections, tracks them as pending, retries on a fixed delay, and clears
// state on acknowledgement. Retry exhaustion is treated as an implicit
// acknowledgement so state stays bounded against unresponsive peers.
type Delivery struct {
	store  *Store
	sender Sender
	logger *slog.Logger

	retryTimeout time.Duration
	retryMax     int

	mu      sync.Mutex
	pending map[int64]*pendingDelivery
}

// DeliveryOption adjusts the retry policy, mainly for tests.
type DeliveryOption func(*Delivery)

// WithRetryPolicy overrides the default retry delay and send budget.
func WithRetryPolicy(timeout time.Duration, max int) DeliveryOption {
	return func(d *Delivery) {
		d.retryTimeout = timeout
		d.retryMax = max
	}
}

// NewDelivery creates the delivery engine.
func NewDelivery(store *Store, sender Sender, logger *slog.Logger, opts ...DeliveryOption) *Delivery {
	d := &Delivery{
		store:        store,
		sender:       sender,
		logger:       logging.Component(logger, "delivery"),
		retryTimeout: RetrialTimeout,
		retryMax:     RetrialMax,
		pending:      make(map[int64]*pendingDelivery),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PushMessage builds a push request for the subscription's protocol variant,
// persists it as a pending delivery, and hands it to the connection's send
// path. A failed send leaves no timer behind — there is nothing to retry
// against a gone connection.
func (d *Delivery) PushMessage(ctx context.Context, sub subscription.Subscription, body string) error {
	req, err := rpc.NewRequest(sub.Method, rpc.SubscriptionParams{
		ID: sub.ID,
		Data: rpc.SubscriptionData{
			Topic:   sub.Topic,
			Message: body,
		},
	})
	if err != nil {
		return err
	}

	if err := d.store.SetPendingRequest(ctx, sub.Topic, req.ID, body); err != nil {
		return err
	}

	if d.sender.Send(sub.SocketID, req) {
		d.arm(sub.SocketID, req)
	}
	return nil
}

// AckMessage handles an acknowledgement for a request id. When a pending
// record exists it is deleted and the retry timer cancelled; otherwise the
// acknowledgement is stale or duplicated and ignored.
func (d *Delivery) AckMessage(ctx context.Context, requestID int64) error {
	_, err := d.store.GetPendingRequest(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := d.store.DeletePendingRequest(ctx, requestID); err != nil {
		return err
	}
	d.cancel(requestID)
	return nil
}

// PendingCount returns the number of armed retry timers.
func (d *Delivery) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every armed timer. Pending store records are left to expire.
func (d *Delivery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for requestID, rec := range d.pending {
		rec.timer.Stop()
		delete(d.pending, requestID)
	}
}

// arm starts the retry timer for a request unless one already exists —
// redundant delivery attempts on the same id never produce duplicate timers.
func (d *Delivery) arm(socketID string, req *rpc.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.pending[req.ID]; exists {
		return
	}
	rec := &pendingDelivery{counter: 1}
	rec.timer = time.AfterFunc(d.retryTimeout, func() { d.onTimeout(socketID, req) })
	d.pending[req.ID] = rec
}

// onTimeout runs when the retry timer fires. An already-acknowledged request
// is a no-op. Within budget the request is resent and the timer re-armed; an
// exhausted budget or a failed resend is folded into the acknowledgement
// path ("give up and drop").
func (d *Delivery) onTimeout(socketID string, req *rpc.Request) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancelCtx()

	d.mu.Lock()
	rec, ok := d.pending[req.ID]
	if !ok {
		d.mu.Unlock()
		return
	}
	if rec.counter >= d.retryMax {
		d.mu.Unlock()
		d.logger.Debug("retry budget exhausted", "requestId", req.ID, "socketId", socketID)
		d.giveUp(ctx, req.ID)
		return
	}
	rec.counter++
	d.mu.Unlock()

	if d.sender.Send(socketID, req) {
		d.rearm(socketID, req)
		return
	}
	// Undeliverable: the connection is gone, treat as acknowledged.
	d.giveUp(ctx, req.ID)
}

// rearm replaces the fired timer for a request that is still pending.
func (d *Delivery) rearm(socketID string, req *rpc.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.pending[req.ID]
	if !ok {
		// Acknowledged between resend and re-arm.
		return
	}
	rec.timer = time.AfterFunc(d.retryTimeout, func() { d.onTimeout(socketID, req) })
}

func (d *Delivery) giveUp(ctx context.Context, requestID int64) {
	if err := d.AckMessage(ctx, requestID); err != nil {
		d.logger.Warn("clearing abandoned delivery", "requestId", requestID, "error", err)
	}
	// AckMessage only cancels when the store record still exists; make sure
	// the in-memory record is gone either way.
	d.cancel(requestID)
}

func (d *Delivery) cancel(requestID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.pending[requestID]; ok {
		rec.timer.Stop()
		delete(d.pending, requestID)
	}
}

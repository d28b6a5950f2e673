// Package relay is the protocol core: it dispatches inbound JSON-RPC
// payloads to publish, subscribe, and unsubscribe handlers and fans newly
// stored messages out to subscribers.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/message"
	"github.com/getrelayd/relayd/pkg/notification"
	"github.com/getrelayd/relayd/pkg/rpc"
	"github.com/getrelayd/relayd/pkg/subscription"
)

// Relay wires the message store, delivery engine, subscription registry, and
// webhook notifier behind the JSON-RPC surface.
type Relay struct {
	logger   *slog.Logger
	store    *message.Store
	delivery *message.Delivery
	subs     *subscription.Registry
	sender   message.Sender
	notifier *notification.Registry
	maxTTL   time.Duration

	stopFanOut func()
}

// New creates the relay core.
func New(
	store *message.Store,
	delivery *message.Delivery,
	subs *subscription.Registry,
	sender message.Sender,
	notifier *notification.Registry,
	logger *slog.Logger,
	maxTTL time.Duration,
) *Relay {
	return &Relay{
		logger:   logging.Component(logger, "relay"),
		store:    store,
		delivery: delivery,
		subs:     subs,
		sender:   sender,
		notifier: notifier,
		maxTTL:   maxTTL,
	}
}

// Start begins consuming message-added events from the store channel and
// fanning them out to local subscribers. Returns once the listener is
// attached; fan-out runs until ctx is cancelled or Stop is called.
func (r *Relay) Start(ctx context.Context) error {
	added, stop, err := r.store.SubscribeAdded(ctx)
	if err != nil {
		return fmt.Errorf("attaching to message feed: %w", err)
	}
	r.stopFanOut = stop

	go func() {
		for event := range added {
			r.fanOut(ctx, event)
		}
	}()
	return nil
}

// Stop detaches the fan-out listener and cancels pending delivery timers.
func (r *Relay) Stop() {
	if r.stopFanOut != nil {
		r.stopFanOut()
	}
	r.delivery.Stop()
}

// HandleClose drops every subscription owned by a departed connection.
func (r *Relay) HandleClose(socketID string) {
	r.subs.RemoveSocket(socketID)
}

// OnPayload dispatches one inbound frame from a connection. Requests route
// to the method handlers; responses are treated as delivery
// acknowledgements. Returns rpc.ErrInvalidPayload when the frame is not
// JSON-RPC shaped.
func (r *Relay) OnPayload(ctx context.Context, socketID string, data []byte) error {
	payload, err := rpc.ParsePayload(data)
	if err != nil {
		return err
	}

	if payload.IsRequest() {
		r.onRequest(ctx, socketID, payload.Request)
		return nil
	}
	return r.delivery.AckMessage(ctx, payload.Response.ID)
}

func (r *Relay) onRequest(ctx context.Context, socketID string, req *rpc.Request) {
	op, variant, ok := rpc.Resolve(req.Method)
	if !ok {
		r.logger.Debug("unknown method", "method", req.Method, "socketId", socketID)
		r.sender.Send(socketID, rpc.MethodNotFound(req.ID))
		return
	}

	var err error
	switch op {
	case rpc.OpPublish:
		err = r.onPublish(ctx, socketID, req)
	case rpc.OpSubscribe:
		err = r.onSubscribe(ctx, socketID, req, variant)
	case rpc.OpUnsubscribe:
		err = r.onUnsubscribe(socketID, req)
	}
	if err != nil {
		r.logger.Debug("request failed", "method", req.Method, "socketId", socketID, "error", err)
		r.sender.Send(socketID, rpc.NewError(req.ID, rpc.CodeServerError, err.Error()))
	}
}

func (r *Relay) onPublish(ctx context.Context, socketID string, req *rpc.Request) error {
	var params rpc.PublishParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return fmt.Errorf("invalid publish params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return err
	}
	maxSeconds := int64(r.maxTTL / time.Second)
	if params.TTL > maxSeconds {
		return fmt.Errorf("requested ttl is above %d seconds", maxSeconds)
	}

	if _, err := r.store.SetMessage(ctx, params, socketID); err != nil {
		return err
	}
	if err := r.reply(socketID, req.ID, true); err != nil {
		return err
	}

	// Webhook dispatch is best effort and off the request path.
	go r.notifier.Dispatch(context.WithoutCancel(ctx), params.Topic)
	return nil
}

func (r *Relay) onSubscribe(ctx context.Context, socketID string, req *rpc.Request, variant rpc.Variant) error {
	var params rpc.SubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return fmt.Errorf("invalid subscribe params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return err
	}

	subID := r.subs.Set(params.Topic, socketID, variant.Subscription, variant.Legacy)
	if err := r.reply(socketID, req.ID, subID); err != nil {
		return err
	}

	// Replay cached messages to the new subscriber. Legacy-variant clients
	// never implemented replay handling, so they are skipped.
	if !variant.Legacy {
		if sub, ok := r.subs.Lookup(subID); ok {
			go r.replay(context.WithoutCancel(ctx), sub)
		}
	}
	return nil
}

func (r *Relay) onUnsubscribe(socketID string, req *rpc.Request) error {
	var params rpc.UnsubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return fmt.Errorf("invalid unsubscribe params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return err
	}

	r.subs.Remove(params.ID)
	return r.reply(socketID, req.ID, true)
}

func (r *Relay) reply(socketID string, requestID int64, result any) error {
	resp, err := rpc.NewResult(requestID, result)
	if err != nil {
		return err
	}
	if !r.sender.Send(socketID, resp) {
		return fmt.Errorf("socket %s unreachable", socketID)
	}
	return nil
}

// fanOut pushes a newly stored message to every local subscriber of its
// topic except the publishing socket itself.
func (r *Relay) fanOut(ctx context.Context, event message.Added) {
	subs := r.subs.Get(event.Params.Topic, event.SocketID)
	for _, sub := range subs {
		sub := sub
		go func() {
			if err := r.delivery.PushMessage(ctx, sub, event.Params.Message); err != nil {
				r.logger.Warn("pushing message", "topic", sub.Topic, "socketId", sub.SocketID, "error", err)
			}
		}()
	}
}

// replay delivers each cached message for the subscription's topic.
func (r *Relay) replay(ctx context.Context, sub subscription.Subscription) {
	messages, err := r.store.GetMessages(ctx, sub.Topic)
	if err != nil {
		r.logger.Warn("reading cached messages", "topic", sub.Topic, "error", err)
		return
	}
	for _, body := range messages {
		if err := r.delivery.PushMessage(ctx, sub, body); err != nil {
			r.logger.Warn("replaying message", "topic", sub.Topic, "socketId", sub.SocketID, "error", err)
		}
	}
}

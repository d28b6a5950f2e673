// Package notification manages webhook registrations per topic and fires
// best-effort HTTP callbacks when a message lands on a watched topic.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/storage"
)

const (
	keyPrefix = "notification:"

	// MaxPerTopic caps how many webhook registrations a topic retains; the
	// newest registrations win.
	MaxPerTopic = 10

	dispatchTimeout = 10 * time.Second
)

// Registration binds a webhook URL to a topic.
type Registration struct {
	Topic   string `json:"topic"`
	Webhook string `json:"webhook"`
}

// Registry stores webhook registrations in the external store and delivers
// callbacks. Deliveries are fire-and-forget; a failing webhook never affects
// the publish path.
type Registry struct {
	store  storage.Store
	logger *slog.Logger
	client *http.Client
}

// NewRegistry creates a webhook registry.
func NewRegistry(store storage.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logging.Component(logger, "notification"),
		client: &http.Client{Timeout: dispatchTimeout},
	}
}

// Register records a webhook for a topic, evicting the oldest entry past
// MaxPerTopic.
func (r *Registry) Register(ctx context.Context, topic, webhook string) error {
	payload, err := json.Marshal(Registration{Topic: topic, Webhook: webhook})
	if err != nil {
		return err
	}
	key := keyPrefix + topic
	if err := r.store.LPush(ctx, key, string(payload)); err != nil {
		return fmt.Errorf("storing webhook registration: %w", err)
	}
	if err := r.store.LTrim(ctx, key, 0, MaxPerTopic-1); err != nil {
		return fmt.Errorf("trimming webhook registrations: %w", err)
	}
	r.logger.Debug("webhook registered", "topic", topic, "webhook", webhook)
	return nil
}

// List returns the registrations for a topic, newest first.
func (r *Registry) List(ctx context.Context, topic string) ([]Registration, error) {
	entries, err := r.store.LRange(ctx, keyPrefix+topic, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("reading webhook registrations: %w", err)
	}

	regs := make([]Registration, 0, len(entries))
	for _, entry := range entries {
		var reg Registration
		if err := json.Unmarshal([]byte(entry), &reg); err != nil {
			r.logger.Warn("skipping malformed webhook registration", "topic", topic, "error", err)
			continue
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// Dispatch posts a {"topic": ...} notification to every webhook registered
// for the topic. Failures are logged and swallowed.
func (r *Registry) Dispatch(ctx context.Context, topic string) {
	regs, err := r.List(ctx, topic)
	if err != nil {
		r.logger.Warn("listing webhooks for dispatch", "topic", topic, "error", err)
		return
	}

	body, err := json.Marshal(map[string]string{"topic": topic})
	if err != nil {
		return
	}
	for _, reg := range regs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.Webhook, bytes.NewReader(body))
		if err != nil {
			r.logger.Warn("building webhook request", "webhook", reg.Webhook, "error", err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			r.logger.Warn("webhook delivery failed", "webhook", reg.Webhook, "error", err)
			continue
		}
		_ = resp.Body.Close()
		r.logger.Debug("webhook notified", "topic", topic, "webhook", reg.Webhook, "status", resp.StatusCode)
	}
}

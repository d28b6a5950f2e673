package rpc

import (
	"errors"
	"fmt"
)

// Operation is the semantic relay operation a method name resolves to.
type Operation int

const (
	OpPublish Operation = iota
	OpSubscribe
	OpUnsubscribe
)

// Variant is one of the accepted method namespaces. All variants share the
// same semantics; they exist for backward compatibility with older clients.
type Variant struct {
	Name         string
	Publish      string
	Subscribe    string
	Unsubscribe  string
	Subscription string // method used for server-to-client pushes
	Legacy       bool   // legacy variants skip cached-message replay on subscribe
}

// The three accepted namespaces. Waku is the deprecated legacy variant.
var (
	Irn = Variant{
		Name:         "irn",
		Publish:      "irn_publish",
		Subscribe:    "irn_subscribe",
		Unsubscribe:  "irn_unsubscribe",
		Subscription: "irn_subscription",
	}
	Iridium = Variant{
		Name:         "iridium",
		Publish:      "iridium_publish",
		Subscribe:    "iridium_subscribe",
		Unsubscribe:  "iridium_unsubscribe",
		Subscription: "iridium_subscription",
	}
	Waku = Variant{
		Name:         "waku",
		Publish:      "waku_publish",
		Subscribe:    "waku_subscribe",
		Unsubscribe:  "waku_unsubscribe",
		Subscription: "waku_subscription",
		Legacy:       true,
	}
)

var variants = []Variant{Irn, Iridium, Waku}

// Resolve maps an inbound method name to its operation and namespace
// variant. The boolean is false for unrecognized methods.
func Resolve(method string) (Operation, Variant, bool) {
	for _, v := range variants {
		switch method {
		case v.Publish:
			return OpPublish, v, true
		case v.Subscribe:
			return OpSubscribe, v, true
		case v.Unsubscribe:
			return OpUnsubscribe, v, true
		}
	}
	return 0, Variant{}, false
}

// PublishParams are the parameters of a publish request.
type PublishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"` // seconds
}

// SubscribeParams are the parameters of a subscribe request.
type SubscribeParams struct {
	Topic string `json:"topic"`
}

// UnsubscribeParams are the parameters of an unsubscribe request.
type UnsubscribeParams struct {
	ID string `json:"id"`
}

// SubscriptionData is the payload of a push notification.
type SubscriptionData struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// SubscriptionParams are the parameters of a server-to-client push request.
type SubscriptionParams struct {
	ID   string           `json:"id"` // subscription id
	Data SubscriptionData `json:"data"`
}

var errMissingParam = errors.New("missing or invalid param")

// Validate checks required publish parameters.
func (p PublishParams) Validate() error {
	if p.Topic == "" {
		return fmt.Errorf("%w: topic", errMissingParam)
	}
	if p.Message == "" {
		return fmt.Errorf("%w: message", errMissingParam)
	}
	if p.TTL <= 0 {
		return fmt.Errorf("%w: ttl", errMissingParam)
	}
	return nil
}

// Validate checks required subscribe parameters.
func (p SubscribeParams) Validate() error {
	if p.Topic == "" {
		return fmt.Errorf("%w: topic", errMissingParam)
	}
	return nil
}

// Validate checks required unsubscribe parameters.
func (p UnsubscribeParams) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id", errMissingParam)
	}
	return nil
}

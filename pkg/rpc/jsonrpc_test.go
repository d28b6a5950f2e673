package rpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParsePayload_Request(t *testing.T) {
	t.Parallel()
	data := []byte(`{"id":1,"jsonrpc":"2.0","method":"irn_publish","params":{"topic":"t1","message":"m1","ttl":3600}}`)

	payload, err := ParsePayload(data)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if !payload.IsRequest() {
		t.Fatal("expected request-shaped payload")
	}
	if payload.Request.Method != "irn_publish" {
		t.Errorf("method = %q", payload.Request.Method)
	}

	var params PublishParams
	if err := json.Unmarshal(payload.Request.Params, &params); err != nil {
		t.Fatalf("params unmarshal: %v", err)
	}
	if params.Topic != "t1" || params.Message != "m1" || params.TTL != 3600 {
		t.Errorf("unexpected params: %+v", params)
	}
}

func TestParsePayload_Response(t *testing.T) {
	t.Parallel()
	data := []byte(`{"id":7,"jsonrpc":"2.0","result":true}`)

	payload, err := ParsePayload(data)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload.IsRequest() {
		t.Fatal("expected response-shaped payload")
	}
	if payload.Response.ID != 7 {
		t.Errorf("id = %d, want 7", payload.Response.ID)
	}
}

func TestParsePayload_ErrorResponse(t *testing.T) {
	t.Parallel()
	data := []byte(`{"id":7,"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"}}`)

	payload, err := ParsePayload(data)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload.Response == nil || payload.Response.Error == nil {
		t.Fatal("expected error response")
	}
	if payload.Response.Error.Code != CodeMethodNotFound {
		t.Errorf("code = %d", payload.Response.Error.Code)
	}
}

func TestParsePayload_Invalid(t *testing.T) {
	t.Parallel()
	for _, data := range []string{`not json`, `{"id":1,"jsonrpc":"2.0"}`, `42`} {
		if _, err := ParsePayload([]byte(data)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("ParsePayload(%q) = %v, want ErrInvalidPayload", data, err)
		}
	}
}

func TestNewRequest_FreshIDs(t *testing.T) {
	t.Parallel()
	a, err := NewRequest(Irn.Subscription, SubscriptionParams{ID: "sub"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	b, _ := NewRequest(Irn.Subscription, SubscriptionParams{ID: "sub"})
	if a.ID == b.ID {
		t.Errorf("expected distinct request ids, both %d", a.ID)
	}
	if a.JSONRPC != Version {
		t.Errorf("jsonrpc = %q", a.JSONRPC)
	}
}

func TestNewResult_RoundTrip(t *testing.T) {
	t.Parallel()
	resp, err := NewResult(3, true)
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":3,"jsonrpc":"2.0","result":true}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

func TestMethodNotFound_Shape(t *testing.T) {
	t.Parallel()
	resp := MethodNotFound(9)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound || resp.Error.Message != "Method not found" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestResolve_AllNamespaceAliases(t *testing.T) {
	t.Parallel()
	cases := []struct {
		method string
		op     Operation
		name   string
		legacy bool
	}{
		{"irn_publish", OpPublish, "irn", false},
		{"irn_subscribe", OpSubscribe, "irn", false},
		{"irn_unsubscribe", OpUnsubscribe, "irn", false},
		{"iridium_publish", OpPublish, "iridium", false},
		{"iridium_subscribe", OpSubscribe, "iridium", false},
		{"waku_publish", OpPublish, "waku", true},
		{"waku_subscribe", OpSubscribe, "waku", true},
		{"waku_unsubscribe", OpUnsubscribe, "waku", true},
	}
	for _, tc := range cases {
		op, variant, ok := Resolve(tc.method)
		if !ok {
			t.Errorf("Resolve(%q) not recognized", tc.method)
			continue
		}
		if op != tc.op || variant.Name != tc.name || variant.Legacy != tc.legacy {
			t.Errorf("Resolve(%q) = (%v, %s, legacy=%v)", tc.method, op, variant.Name, variant.Legacy)
		}
	}
}

func TestResolve_UnknownMethod(t *testing.T) {
	t.Parallel()
	if _, _, ok := Resolve("bridge_publish"); ok {
		t.Error("unknown namespace should not resolve")
	}
	if _, _, ok := Resolve("irn_subscription"); ok {
		t.Error("push method is server-to-client only and should not resolve inbound")
	}
}

func TestPublishParams_Validate(t *testing.T) {
	t.Parallel()
	valid := PublishParams{Topic: "t", Message: "m", TTL: 60}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
	for _, p := range []PublishParams{
		{Message: "m", TTL: 60},
		{Topic: "t", TTL: 60},
		{Topic: "t", Message: "m"},
		{Topic: "t", Message: "m", TTL: -1},
	} {
		if err := p.Validate(); err == nil {
			t.Errorf("expected validation failure for %+v", p)
		}
	}
}

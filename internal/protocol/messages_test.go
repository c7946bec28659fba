package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ewhamarket/chatclient/internal/store"
)

// ---------------------------------------------------------------------------
// Client frames
// ---------------------------------------------------------------------------

func TestParseClientMessage_Subscribe(t *testing.T) {
	input := []byte(`{"type":"subscribe","id":"0b7c","path":"conversations/u1_u2_cap"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSubscribe {
		t.Fatalf("expected type %q, got %q", TypeSubscribe, msgType)
	}
	sm, ok := msg.(SubscribeMsg)
	if !ok {
		t.Fatalf("expected SubscribeMsg, got %T", msg)
	}
	if sm.ID != "0b7c" || sm.Path != "conversations/u1_u2_cap" {
		t.Errorf("unexpected subscribe frame: %+v", sm)
	}
}

func TestParseClientMessage_SubscribeRequiresPath(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"subscribe","id":"x"}`))
	if err == nil {
		t.Fatal("expected error for subscribe without path")
	}
}

func TestParseClientMessage_Unsubscribe(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"unsubscribe","id":"x"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if um := msg.(UnsubscribeMsg); um.ID != "x" {
		t.Errorf("expected id x, got %q", um.ID)
	}
}

func TestParseClientMessage_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `hello`},
		{"missing type", `{"id":"x"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"publish","path":"x"}`},
		{"server frame", `{"type":"value","id":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tt.input)); err == nil {
				t.Errorf("expected error for %s", tt.input)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Gateway frames
// ---------------------------------------------------------------------------

func TestValueFrame_PreservesChildOrder(t *testing.T) {
	value := json.RawMessage(`{"-b":{"sender":"u1","text":"first"},"-a":{"sender":"u2","text":"second"}}`)
	data, err := NewMessage(TypeValue, ValueMsg{ID: "s1", Path: "conversations/k", Value: value})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgType, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeValue {
		t.Fatalf("expected %q, got %q", TypeValue, msgType)
	}
	vm := msg.(ValueMsg)

	snap, err := store.FromJSON(vm.Path, vm.Value)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if len(snap.Children) != 2 || snap.Children[0].Key != "-b" {
		t.Fatalf("child order not preserved: %+v", snap.Children)
	}
}

func TestNewMessage_InjectsType(t *testing.T) {
	data, err := NewMessage(TypeError, ErrorMsg{Type: "wrong", ID: "s1", Code: "permission_denied", Message: "no"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"type":"error"`) {
		t.Errorf("type not injected: %s", data)
	}

	_, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	em := msg.(ErrorMsg)
	if em.Code != "permission_denied" || em.ID != "s1" {
		t.Errorf("unexpected error frame: %+v", em)
	}
}

func TestParseServerMessage_Pong(t *testing.T) {
	msgType, _, err := ParseServerMessage([]byte(`{"type":"pong"}`))
	if err != nil || msgType != TypePong {
		t.Fatalf("expected pong, got %q (err=%v)", msgType, err)
	}
}

func TestParseServerMessage_Unknown(t *testing.T) {
	if _, _, err := ParseServerMessage([]byte(`{"type":"subscribe","id":"x","path":"p"}`)); err == nil {
		t.Fatal("expected error for client frame")
	}
}

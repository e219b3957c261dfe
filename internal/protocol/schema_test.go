package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ceponatia/kobold-mcp/internal/protocol"
)

func TestMustString_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    protocol.MustString
		wantErr bool
	}{
		{
			name:  "string id",
			input: []byte(`"req-1"`),
			want:  protocol.MustString("req-1"),
		},
		{
			name:  "integer id",
			input: []byte(`42`),
			want:  protocol.MustString("42"),
		},
		{
			// Digits beyond float64 precision must survive untouched.
			name:  "large integer id",
			input: []byte(`9007199254740993`),
			want:  protocol.MustString("9007199254740993"),
		},
		{
			name:    "fractional id",
			input:   []byte(`1.5`),
			wantErr: true,
		},
		{
			name:    "object id",
			input:   []byte(`{"nested": true}`),
			wantErr: true,
		},
		{
			name:    "array id",
			input:   []byte(`[1, 2]`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got protocol.MustString
			err := json.Unmarshal(tt.input, &got)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMustString_MarshalJSON(t *testing.T) {
	bs, err := json.Marshal(protocol.MustString("42"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(bs) != `"42"` {
		t.Errorf("got %s, want %q", bs, `"42"`)
	}
}

func TestJSONRPCMessage_NotificationHasNilID(t *testing.T) {
	var msg protocol.JSONRPCMessage
	input := []byte(`{"jsonrpc": "2.0", "method": "notifications/initialized"}`)
	if err := json.Unmarshal(input, &msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID != nil {
		t.Errorf("expected nil id for notification, got %q", *msg.ID)
	}
}

func TestJSONRPCMessage_NullIDRoundTrip(t *testing.T) {
	var msg protocol.JSONRPCMessage
	input := []byte(`{"jsonrpc": "2.0", "id": null, "method": "ping"}`)
	if err := json.Unmarshal(input, &msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID != nil {
		t.Errorf("expected nil id, got %q", *msg.ID)
	}

	// Outbound frames always carry the id field, so a response to an
	// unparseable request encodes it as null.
	out, err := json.Marshal(protocol.JSONRPCMessage{
		JSONRPC: protocol.JSONRPCVersion,
		Error:   &protocol.JSONRPCError{Code: -32700, Message: "Parse error"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), `"id":null`) {
		t.Errorf("expected null id in output, got %s", out)
	}
}

func TestJSONRPCError_Error(t *testing.T) {
	err := protocol.JSONRPCError{Code: -32601, Message: "Method not found"}
	if !strings.Contains(err.Error(), "-32601") {
		t.Errorf("error string should contain the code, got %q", err.Error())
	}
}

package protocol

import (
	"encoding/json"
	"testing"
)

func TestChannelRef_Resolve(t *testing.T) {
	tests := []struct {
		name string
		ref  ChannelRef
		want string
	}{
		{"channelId only", ChannelRef{ChannelID: "ch-1"}, "ch-1"},
		{"roomId alias", ChannelRef{RoomID: "room-1"}, "room-1"},
		{"channelId wins over roomId", ChannelRef{ChannelID: "ch-1", RoomID: "room-1"}, "ch-1"},
		{"both empty", ChannelRef{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ref.Resolve(); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnvelope_PayloadDecode(t *testing.T) {
	// Clients send the payload inline; handlers re-marshal it into the
	// typed form. Verify the round trip, including the legacy alias.
	raw := []byte(`{"type":"send-message","payload":{"roomId":"c1","serverId":"s1","senderId":"u1","message":"hi"}}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeSendMessage {
		t.Fatalf("type = %q, want %q", env.Type, TypeSendMessage)
	}

	data, err := json.Marshal(env.Payload)
	if err != nil {
		t.Fatal(err)
	}
	var req SendMessage
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatal(err)
	}
	if req.Resolve() != "c1" {
		t.Errorf("resolved channel = %q, want c1", req.Resolve())
	}
	if req.SenderID != "u1" || req.Message != "hi" {
		t.Errorf("decoded request = %+v", req)
	}
}

package wire

import (
	"encoding/json"
	"testing"
)

func TestEncodeRoundTrips(t *testing.T) {
	raw, err := Encode("chat:message", map[string]string{"content": "hi"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	if frame.Event != "chat:message" {
		t.Errorf("Event = %q, want chat:message", frame.Event)
	}

	var data map[string]string
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
	if data["content"] != "hi" {
		t.Errorf("data[content] = %q, want hi", data["content"])
	}
}

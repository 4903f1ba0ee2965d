package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestInteractionEventNullFields(t *testing.T) {
	event := InteractionEvent{
		URL:       nil,
		Text:      "Submit",
		PageURL:   "https://example.com/form",
		PageTitle: "Form",
		Mechanism: MechanismClick,
		Timestamp: "2024-05-01T10:00:00.000Z",
		UserLogin: nil,
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}

	for _, key := range []string{"url", "user_login"} {
		value, ok := fields[key]
		if !ok {
			t.Errorf("Expected key %q to be present", key)
		}
		if value != nil {
			t.Errorf("Expected %q to be null, got %v", key, value)
		}
	}
	if len(fields) != 7 {
		t.Errorf("Expected 7 fields, got %d", len(fields))
	}
}

func TestMessageRoundTrip(t *testing.T) {
	link := "https://example.com/next"
	message, err := NewMessage(MessageTypeClick, InteractionEvent{
		URL:       &link,
		Text:      "Next",
		Mechanism: MechanismClick,
	})
	if err != nil {
		t.Fatalf("Failed to build message: %v", err)
	}

	event, err := message.InteractionEvent()
	if err != nil {
		t.Fatalf("Failed to decode click: %v", err)
	}
	if event.URL == nil || *event.URL != link {
		t.Errorf("URL mismatch: got %v, want %s", event.URL, link)
	}

	if _, err := message.IdentityRecord(); err == nil {
		t.Error("Expected error decoding a click message as an identity record")
	}
}

func TestTimestampFormat(t *testing.T) {
	instant := time.Date(2024, 5, 1, 12, 30, 45, 123456789, time.FixedZone("CEST", 2*60*60))

	formatted := FormatTimestamp(instant)
	if formatted != "2024-05-01T10:30:45.123Z" {
		t.Errorf("Unexpected timestamp: %s", formatted)
	}

	parsed := ParseTimestamp(formatted)
	if !parsed.Equal(instant.Truncate(time.Millisecond)) {
		t.Errorf("Parsed %v, want %v", parsed, instant.Truncate(time.Millisecond))
	}

	if !ParseTimestamp("not a time").IsZero() {
		t.Error("Expected zero time for invalid input")
	}
}

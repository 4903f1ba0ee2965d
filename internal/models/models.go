package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTypeClick     MessageType = "click"
	MessageTypeUserLogin MessageType = "user_login"
)

const MechanismClick = "click"

// TimestampLayout matches the millisecond UTC form browsers produce for ISO 8601.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

type InteractionEvent struct {
	URL       *string `json:"url"` // nullable
	Text      string  `json:"text"`
	PageURL   string  `json:"page_url"`
	PageTitle string  `json:"page_title"`
	Mechanism string  `json:"mechanism"` // always "click"
	Timestamp string  `json:"timestamp"`
	UserLogin *string `json:"user_login"` // nullable
}

type IdentityRecord struct {
	UserName  string `json:"user_name"`
	Timestamp string `json:"timestamp"`
	PageURL   string `json:"page_url"`
	PageTitle string `json:"page_title"`
}

// Message is the only unit that crosses from the page to the relay.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewMessage(messageType MessageType, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", messageType, err)
	}
	return Message{Type: messageType, Payload: data}, nil
}

func (m Message) InteractionEvent() (InteractionEvent, error) {
	var event InteractionEvent
	if m.Type != MessageTypeClick {
		return event, fmt.Errorf("message type %q is not %q", m.Type, MessageTypeClick)
	}
	if err := json.Unmarshal(m.Payload, &event); err != nil {
		return event, fmt.Errorf("failed to decode click payload: %w", err)
	}
	return event, nil
}

func (m Message) IdentityRecord() (IdentityRecord, error) {
	var record IdentityRecord
	if m.Type != MessageTypeUserLogin {
		return record, fmt.Errorf("message type %q is not %q", m.Type, MessageTypeUserLogin)
	}
	if err := json.Unmarshal(m.Payload, &record); err != nil {
		return record, fmt.Errorf("failed to decode user_login payload: %w", err)
	}
	return record, nil
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts RFC 3339 with or without fractional seconds.
// Returns the zero time on failure.
func ParseTimestamp(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, value)
	}
	return t
}

func StringPointer(value string) *string {
	return &value
}

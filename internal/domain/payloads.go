package domain

import (
	"encoding/json"
	"fmt"
)

// StatusChangePayload announces a party lifecycle transition.
type StatusChangePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RequestPayload describes a song request and its moderation state.
type RequestPayload struct {
	RequestID   string `json:"requestId"`
	TrackID     string `json:"trackId,omitempty"`
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	RequestedBy string `json:"requestedBy,omitempty"`
	Status      string `json:"status,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// PlaybackPayload mirrors the current player state.
type PlaybackPayload struct {
	TrackID    string `json:"trackId"`
	IsPlaying  bool   `json:"isPlaying"`
	ProgressMs int64  `json:"progressMs"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// PageTogglePayload enables or disables a public page (e.g. request form).
type PageTogglePayload struct {
	Page    string `json:"page"`
	Enabled bool   `json:"enabled"`
}

// AdminSessionPayload reports admin login/logout.
type AdminSessionPayload struct {
	AdminID   string `json:"adminId"`
	SessionID string `json:"sessionId,omitempty"`
}

// Severity grades system notifications.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

// NotificationPayload is carried by system-notification events.
type NotificationPayload struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// StateChangePayload is the outbound shape produced by the state broadcaster.
type StateChangePayload struct {
	Type     string         `json:"type"`
	OldValue any            `json:"oldValue"`
	NewValue any            `json:"newValue"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// BatchPayload groups several state changes sent as one event.
type BatchPayload struct {
	Changes []StateChangePayload `json:"changes"`
}

// DecodePayload unmarshals the payload of e into T.
func DecodePayload[T any](e Event) (T, error) {
	var out T
	if !payloadPresent(e.Payload) {
		return out, fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", e.Action, err)
	}
	return out, nil
}

// MustPayload marshals v for use as an Event payload. Marshal failures yield
// an empty object so that the envelope stays structurally valid.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil || len(b) == 0 || string(b) == "null" {
		return json.RawMessage(`{}`)
	}
	return b
}

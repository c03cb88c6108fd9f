package models

import (
	"encoding/json"
	"fmt"
)

// Per-category payload shapes. Payloads arrive as loose JSON objects and are
// validated at the creation boundary, so nothing downstream of the store ever
// sees a malformed one.

// MessagePayload backs the message and group-message categories.
type MessagePayload struct {
	Destination string `json:"destination"`
	Body        string `json:"body"`
}

// MediaPayload backs the media category.
type MediaPayload struct {
	Destination string `json:"destination"`
	MediaURL    string `json:"media_url"`
	Caption     string `json:"caption,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// GroupPayload backs group-join and group-leave.
type GroupPayload struct {
	GroupID    string `json:"group_id"`
	InviteCode string `json:"invite_code,omitempty"`
}

// BulkPayload backs bulk-message. DelayMS separates consecutive sends.
type BulkPayload struct {
	Destinations []string `json:"destinations"`
	Body         string   `json:"body"`
	DelayMS      int      `json:"delay_ms"`
}

func decodeInto(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return json.Unmarshal(raw, dst)
}

// ValidatePayload checks a loose payload against its category's shape.
// Returns ErrUnknownCategory or ErrMalformedPayload wrapped with detail.
func ValidatePayload(category string, payload map[string]any) error {
	switch category {
	case CategoryMessage, CategoryGroupMessage:
		var p MessagePayload
		if err := decodeInto(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if p.Destination == "" {
			return fmt.Errorf("%w: destination is required", ErrMalformedPayload)
		}
		if p.Body == "" {
			return fmt.Errorf("%w: body is required", ErrMalformedPayload)
		}
	case CategoryMedia:
		var p MediaPayload
		if err := decodeInto(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if p.Destination == "" {
			return fmt.Errorf("%w: destination is required", ErrMalformedPayload)
		}
		if p.MediaURL == "" {
			return fmt.Errorf("%w: media_url is required", ErrMalformedPayload)
		}
	case CategoryGroupJoin, CategoryGroupLeave:
		var p GroupPayload
		if err := decodeInto(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if p.GroupID == "" && p.InviteCode == "" {
			return fmt.Errorf("%w: group_id or invite_code is required", ErrMalformedPayload)
		}
	case CategoryBulkMessage:
		var p BulkPayload
		if err := decodeInto(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if len(p.Destinations) == 0 {
			return fmt.Errorf("%w: destinations is required", ErrMalformedPayload)
		}
		if p.Body == "" {
			return fmt.Errorf("%w: body is required", ErrMalformedPayload)
		}
		if p.DelayMS < 0 {
			return fmt.Errorf("%w: delay_ms must not be negative", ErrMalformedPayload)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return nil
}

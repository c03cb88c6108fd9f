// Package translate converts a persisted task into the flat instruction
// format the remote device agent consumes. Translation is pure: no I/O, no
// clock, fully deterministic for a given task.
package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"device-dispatch/internal/models"
)

// Instruction kinds understood by the device agent.
const (
	KindChat         = "chat"
	KindMedia        = "media"
	KindGroup        = "group"
	KindGroupMessage = "group_message"
	KindBulk         = "bulk"
)

// Instruction is the device-actionable form of a task. Only primitive fields;
// the agent has no access to task internals beyond the id.
type Instruction struct {
	TaskID       string   `json:"task_id"`
	Kind         string   `json:"kind"`
	Destination  string   `json:"destination,omitempty"`
	Destinations []string `json:"destinations,omitempty"`
	Text         string   `json:"text,omitempty"`
	MediaURL     string   `json:"media_url,omitempty"`
	ContentType  string   `json:"content_type,omitempty"`
	GroupID      string   `json:"group_id,omitempty"`
	InviteCode   string   `json:"invite_code,omitempty"`
	Join         bool     `json:"join,omitempty"`
	DelayMS      int      `json:"delay_ms,omitempty"`
}

// Translator holds the normalization settings. Zero value is not usable;
// construct with New.
type Translator struct {
	countryCode string
}

func New(countryCode string) *Translator {
	return &Translator{countryCode: countryCode}
}

// NormalizeDestination reduces an identifier to digits and prefixes the
// default country code when absent. Idempotent: normalizing an already
// normalized identifier is a no-op.
func (t *Translator) NormalizeDestination(dest string) string {
	var b strings.Builder
	for _, r := range dest {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return digits
	}
	if !strings.HasPrefix(digits, t.countryCode) {
		digits = t.countryCode + digits
	}
	return digits
}

// Translate converts a task into an instruction. Fails with
// ErrMalformedPayload when required fields are missing or mis-shaped and
// ErrUnknownCategory for unrecognized categories.
func (t *Translator) Translate(task models.Task) (Instruction, error) {
	if err := models.ValidatePayload(task.Category, task.Payload); err != nil {
		return Instruction{}, err
	}

	ins := Instruction{TaskID: task.ID}
	switch task.Category {
	case models.CategoryMessage:
		var p models.MessagePayload
		if err := decode(task.Payload, &p); err != nil {
			return Instruction{}, err
		}
		ins.Kind = KindChat
		ins.Destination = t.NormalizeDestination(p.Destination)
		ins.Text = p.Body

	case models.CategoryMedia:
		var p models.MediaPayload
		if err := decode(task.Payload, &p); err != nil {
			return Instruction{}, err
		}
		ins.Kind = KindMedia
		ins.Destination = t.NormalizeDestination(p.Destination)
		ins.Text = p.Caption
		ins.MediaURL = p.MediaURL
		ins.ContentType = p.ContentType

	case models.CategoryGroupJoin, models.CategoryGroupLeave:
		var p models.GroupPayload
		if err := decode(task.Payload, &p); err != nil {
			return Instruction{}, err
		}
		ins.Kind = KindGroup
		ins.GroupID = p.GroupID
		ins.InviteCode = p.InviteCode
		ins.Join = task.Category == models.CategoryGroupJoin

	case models.CategoryGroupMessage:
		var p models.MessagePayload
		if err := decode(task.Payload, &p); err != nil {
			return Instruction{}, err
		}
		ins.Kind = KindGroupMessage
		// Group jids are opaque, not phone numbers; no normalization.
		ins.GroupID = p.Destination
		ins.Text = p.Body

	case models.CategoryBulkMessage:
		var p models.BulkPayload
		if err := decode(task.Payload, &p); err != nil {
			return Instruction{}, err
		}
		ins.Kind = KindBulk
		ins.Destinations = make([]string, len(p.Destinations))
		for i, d := range p.Destinations {
			ins.Destinations[i] = t.NormalizeDestination(d)
		}
		ins.Text = p.Body
		ins.DelayMS = p.DelayMS

	default:
		return Instruction{}, fmt.Errorf("%w: %q", models.ErrUnknownCategory, task.Category)
	}

	return ins, nil
}

func decode(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	return nil
}

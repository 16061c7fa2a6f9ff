package message

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/herald-labs/discord-herald/discord"
)

// Data is a renderable message payload.
type Data interface {
	// Description is the short form recorded in send reports.
	Description() string
}

// TextData is the payload of text and direct messages.
type TextData struct {
	Content string
	Embed   *discordgo.MessageEmbed
}

func (d TextData) Description() string {
	if d.Content != "" {
		return d.Content
	}
	if d.Embed != nil {
		return "embed: " + d.Embed.Title
	}
	return ""
}

// IsEmpty reports whether there is nothing to deliver.
func (d TextData) IsEmpty() bool {
	return d.Content == "" && d.Embed == nil
}

// AudioData is the payload of voice messages.
type AudioData struct {
	Source discord.AudioSource
}

func (d AudioData) Description() string {
	if d.Source == nil {
		return ""
	}
	return d.Source.Description()
}

// DataFunc produces a payload at send time, letting callers send content that
// depends on the moment of delivery.
type DataFunc func() (Data, error)

// Rotation cycles through a fixed payload sequence, one item per send.
type Rotation struct {
	items []Data
	next  int
}

// NewRotation builds a rotation over items.
func NewRotation(items ...Data) *Rotation {
	return &Rotation{items: items}
}

// Next returns the next item, wrapping around.
func (r *Rotation) Next() Data {
	if len(r.items) == 0 {
		return nil
	}
	d := r.items[r.next]
	r.next = (r.next + 1) % len(r.items)
	return d
}

// clone copies the rotation with a reset cursor, so a template's generated
// copies rotate independently.
func (r *Rotation) clone() *Rotation {
	items := make([]Data, len(r.items))
	copy(items, r.items)
	return &Rotation{items: items}
}

// resolveData renders the configured payload: plain Data passes through,
// DataFunc is invoked, a Rotation yields its next item.
func resolveData(payload any) (Data, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case DataFunc:
		return p()
	case *Rotation:
		return p.Next(), nil
	case Data:
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported message data type %T", payload)
	}
}

// clonePayload deep-copies stateful payloads; immutable ones are shared.
func clonePayload(payload any) any {
	if r, ok := payload.(*Rotation); ok {
		return r.clone()
	}
	return payload
}

package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"
)

// Roles accepted from clients.
const (
	RoleUser      = schema.User
	RoleAssistant = schema.Assistant
	RoleSystem    = schema.System
)

// Part tags forwarded upstream.
const (
	PartText     = schema.ChatMessagePartTypeText
	PartImageURL = schema.ChatMessagePartTypeImageURL
)

var errUnknownContent = errors.New("content must be a string or an array of parts")

// Message is one normalized conversation turn as sent upstream. Extra
// carries any other keys the client supplied, written back verbatim.
type Message struct {
	Role    schema.RoleType            `json:"role"`
	Content []ContentPart              `json:"content"`
	Name    string                     `json:"name,omitempty"`
	Extra   map[string]json.RawMessage `json:"-"`
}

// MarshalJSON emits the known fields merged over Extra.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	base, err := json.Marshal(plain(m))
	if err != nil || len(m.Extra) == 0 {
		return base, err
	}

	fields := make(map[string]json.RawMessage, len(m.Extra)+3)
	for key, value := range m.Extra {
		fields[key] = value
	}
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// ImageURL points at a remote image or carries a data URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is either a text part or an image part. A part decoded from
// JSON remembers its original encoding and is written back unchanged.
type ContentPart struct {
	Type     schema.ChatMessagePartType
	Text     string
	ImageURL *ImageURL

	raw     json.RawMessage
	invalid error
}

// TextPart wraps text as a content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart wraps an image url as a content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: &ImageURL{URL: url}}
}

type wirePart struct {
	Type     schema.ChatMessagePartType `json:"type"`
	Text     *string                    `json:"text,omitempty"`
	ImageURL *ImageURL                  `json:"image_url,omitempty"`
}

// Validate reports whether the part can be forwarded upstream.
func (p ContentPart) Validate() error {
	if p.invalid != nil {
		return p.invalid
	}
	switch p.Type {
	case PartText:
		return nil
	case PartImageURL:
		if p.ImageURL == nil || p.ImageURL.URL == "" {
			return errors.New("image_url part without url")
		}
		return nil
	default:
		return fmt.Errorf("unsupported content part type %q", p.Type)
	}
}

// MarshalJSON returns the decoded encoding when there is one and otherwise
// emits only the fields belonging to the part's tag.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	if p.raw != nil {
		return p.raw, nil
	}

	switch p.Type {
	case PartText:
		text := p.Text
		return json.Marshal(wirePart{Type: PartText, Text: &text})
	case PartImageURL:
		if p.ImageURL == nil {
			return nil, fmt.Errorf("image part without image_url")
		}
		return json.Marshal(wirePart{Type: PartImageURL, ImageURL: p.ImageURL})
	default:
		return nil, fmt.Errorf("unsupported content part type %q", p.Type)
	}
}

// UnmarshalJSON accepts any JSON object. Shape problems such as an unknown
// tag are kept for Validate so they can be reported per message.
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var wire wirePart
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*p = ContentPart{Type: wire.Type, ImageURL: wire.ImageURL}
	if wire.Text != nil {
		p.Text = *wire.Text
	} else if wire.Type == PartText {
		p.invalid = errors.New("text part without text")
	}
	p.raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return nil
}

// Content holds inbound message content before normalization: a bare
// string or an already structured list of parts.
type Content struct {
	Text  *string
	Parts []ContentPart
}

// IsZero reports whether no content was supplied.
func (c Content) IsZero() bool {
	return c.Text == nil && c.Parts == nil
}

// UnmarshalJSON decodes the string | []part union.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Content{}
		return nil
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*c = Content{Text: &text}
	case '[':
		parts := make([]ContentPart, 0, 2)
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		*c = Content{Parts: parts}
	default:
		return errUnknownContent
	}
	return nil
}

// InboundMessage is a message as posted by a client. Keys other than
// role, content and name are collected into Extra.
type InboundMessage struct {
	Role    string                     `json:"role"`
	Content Content                    `json:"content"`
	Name    string                     `json:"name,omitempty"`
	Extra   map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps the rest.
func (m *InboundMessage) UnmarshalJSON(data []byte) error {
	type plain InboundMessage
	var msg plain
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	delete(fields, "role")
	delete(fields, "content")
	delete(fields, "name")
	if len(fields) > 0 {
		msg.Extra = fields
	}

	*m = InboundMessage(msg)
	return nil
}

package chat

import (
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/datadrape/datadrape-ai/backend/internal/model/chat"
)

// MsgNoMessages is reported when a chat request carries no messages.
const MsgNoMessages = "No messages provided"

// ValidationError reports unusable client input. Its message is safe to
// return to the caller.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Normalize converts inbound messages into the multi-part shape the
// upstream API expects. String content becomes a single text part;
// structured content and any extra message keys are kept as is.
func Normalize(messages []chat.InboundMessage) ([]chat.Message, error) {
	if len(messages) == 0 {
		return nil, &ValidationError{Message: MsgNoMessages}
	}

	normalized := make([]chat.Message, 0, len(messages))
	for i, msg := range messages {
		role, err := parseRole(msg.Role)
		if err != nil {
			return nil, invalid("message %d: %s", i, err.Error())
		}

		var parts []chat.ContentPart
		switch {
		case msg.Content.Text != nil:
			parts = []chat.ContentPart{chat.TextPart(*msg.Content.Text)}
		case len(msg.Content.Parts) > 0:
			for _, part := range msg.Content.Parts {
				if err := part.Validate(); err != nil {
					return nil, invalid("message %d: %s", i, err.Error())
				}
			}
			parts = msg.Content.Parts
		case msg.Content.Parts != nil:
			return nil, invalid("message %d: content must not be empty", i)
		default:
			return nil, invalid("message %d: content is required", i)
		}

		normalized = append(normalized, chat.Message{
			Role:    role,
			Content: parts,
			Name:    msg.Name,
			Extra:   msg.Extra,
		})
	}

	return normalized, nil
}

func parseRole(raw string) (schema.RoleType, error) {
	switch role := schema.RoleType(raw); role {
	case chat.RoleUser, chat.RoleAssistant, chat.RoleSystem:
		return role, nil
	case "":
		return "", fmt.Errorf("role is required")
	default:
		return "", fmt.Errorf("unsupported role %q", raw)
	}
}

package relay

import (
	"strings"

	"github.com/bytedance/sonic"
)

const dataPrefix = "data:"

// streamChunk is the part of an upstream chat.completion.chunk the relay reads.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// dataPayload extracts the payload of an SSE "data:" line. Blank lines,
// comments and other fields report ok=false.
func dataPayload(line string) (payload string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, dataPrefix)), true
}

// parseChunk decodes a data payload. It returns the first choice's text
// fragment, or nil when the chunk carries none. A payload that is not valid
// JSON yields an error.
func parseChunk(payload string) (*string, error) {
	var chunk streamChunk
	if err := sonic.UnmarshalString(payload, &chunk); err != nil {
		return nil, err
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

// completion is the part of a non-streamed chat.completion the relay reads.
type completion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

package chat

import "encoding/json"

// DoneSentinel is the literal terminal marker of an event stream.
const DoneSentinel = "[DONE]"

// DeltaKind tags a Delta.
type DeltaKind string

const (
	DeltaContent DeltaKind = "content"
	DeltaError   DeltaKind = "error"
	DeltaDone    DeltaKind = "done"
)

// Delta is one outbound unit of a relayed stream.
type Delta struct {
	Kind DeltaKind
	Text string
}

// ContentDelta carries an incremental text fragment.
func ContentDelta(text string) Delta {
	return Delta{Kind: DeltaContent, Text: text}
}

// ErrorDelta carries a terminal failure notice.
func ErrorDelta(message string) Delta {
	return Delta{Kind: DeltaError, Text: message}
}

// DoneDelta marks successful completion.
func DoneDelta() Delta {
	return Delta{Kind: DeltaDone}
}

// Terminal reports whether no event may follow d.
func (d Delta) Terminal() bool {
	return d.Kind == DeltaError || d.Kind == DeltaDone
}

// MarshalJSON renders {"content":...}, {"error":...} or {"done":true}.
func (d Delta) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case DeltaContent:
		return json.Marshal(struct {
			Content string `json:"content"`
		}{d.Text})
	case DeltaError:
		return json.Marshal(struct {
			Error string `json:"error"`
		}{d.Text})
	default:
		return json.Marshal(struct {
			Done bool `json:"done"`
		}{true})
	}
}

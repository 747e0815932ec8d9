package types

import "encoding/json"

// Message represents either a User or Assistant message in a conversation.
//
// Summary is SDK compatible in an unusual way: the wire field "summary"
// is a tagged union rather than a single Go type — on a user message
// it's the UserMessageSummary object, on an assistant message it's a
// plain bool (IsSummary) marking a compaction summary. MarshalJSON and
// UnmarshalJSON below resolve that union; Summary and IsSummary are
// otherwise ordinary fields.
type Message struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionID"`
	ParentID  string       `json:"parentID,omitempty"`
	Role      string       `json:"role"` // "user" | "assistant"
	Time      MessageTime  `json:"time"`

	// User-specific fields
	Agent   string              `json:"agent,omitempty"`
	Model   *ModelRef           `json:"model,omitempty"`
	System  *string             `json:"system,omitempty"`
	Tools   map[string]bool     `json:"tools,omitempty"`
	Path    *MessagePath        `json:"path,omitempty"`
	Summary *UserMessageSummary `json:"-"`

	// Assistant-specific fields
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Mode       string        `json:"mode,omitempty"`
	Finish     *string       `json:"finish,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
	IsSummary  bool          `json:"-"`
}

// UserMessageSummary describes the work done in response to a user
// message: used to render a one-line recap in session history views.
type UserMessageSummary struct {
	Title string     `json:"title"`
	Body  string     `json:"body"`
	Diffs []FileDiff `json:"diffs,omitempty"`
}

// MarshalJSON emits "summary" as the UserMessageSummary object when set,
// as a bool when IsSummary is set, and omits it entirely otherwise.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	raw, err := json.Marshal(alias(m))
	if err != nil {
		return nil, err
	}
	if m.Summary == nil && !m.IsSummary {
		return raw, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if m.Summary != nil {
		sb, err := json.Marshal(m.Summary)
		if err != nil {
			return nil, err
		}
		obj["summary"] = sb
	} else {
		obj["summary"] = json.RawMessage("true")
	}
	return json.Marshal(obj)
}

// UnmarshalJSON reads "summary" back into Summary or IsSummary depending
// on whether it decoded as an object or a bool.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Message(a)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	raw, ok := obj["summary"]
	if !ok {
		return nil
	}
	var asBool bool
	if err := json.Unmarshal(raw, &asBool); err == nil {
		m.IsSummary = asBool
		return nil
	}
	var summary UserMessageSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return err
	}
	m.Summary = &summary
	return nil
}

// MessagePath records the working directory a message's tool calls ran
// against, so a compaction summary (or any later reader) knows where
// relative paths resolved even after the session's directory changes.
type MessagePath struct {
	Cwd  string `json:"cwd"`
	Root string `json:"root"`
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TokenUsage contains token usage statistics for a message.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning,omitempty"`
	Cache     CacheUsage `json:"cache,omitempty"`
}

// CacheUsage contains cache hit/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// MessageError represents an error that occurred during message processing.
// SDK compatible: errors are tagged unions of {name, data}, not a flat
// {type, message} pair.
type MessageError struct {
	Name string           `json:"name"` // "abort" | "api" | "max_steps" | "output_length" | "UnknownError"
	Data MessageErrorData `json:"data"`
}

// MessageErrorData carries the human-readable detail for a MessageError.
type MessageErrorData struct {
	Message string `json:"message"`
}

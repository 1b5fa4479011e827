package chat

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

type PartType string

const (
	PartTypeText           PartType = "text"
	PartTypeToolInvocation PartType = "tool-invocation"
	PartTypeSource         PartType = "source"
)

const (
	ToolStateCall   = "call"
	ToolStateResult = "result"
)

// ToolInvocation is a model-initiated tool execution with a call/result
// lifecycle. Once resolved, a single part carries both the arguments and
// the result.
type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	State      string          `json:"state"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Source is a citation attached to assistant output.
type Source struct {
	ID               string          `json:"id,omitempty"`
	URL              string          `json:"url"`
	Title            string          `json:"title,omitempty"`
	ProviderMetadata json.RawMessage `json:"providerMetadata,omitempty"`
}

// Part is a closed sum over the content fragments a message may carry.
// Exactly one payload field matches Type.
type Part struct {
	Type           PartType        `json:"type"`
	Text           string          `json:"text,omitempty"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
	Source         *Source         `json:"source,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

func ToolInvocationPart(inv *ToolInvocation) Part {
	return Part{Type: PartTypeToolInvocation, ToolInvocation: inv}
}

func SourcePart(src *Source) Part {
	return Part{Type: PartTypeSource, Source: src}
}

// UnmarshalJSON rejects unknown part tags and payloads that do not match
// the tag, rather than silently dropping them.
func (p *Part) UnmarshalJSON(data []byte) error {
	type alias Part
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case PartTypeText:
		// empty text is legal (a model may emit an empty fragment)
	case PartTypeToolInvocation:
		if raw.ToolInvocation == nil {
			return errors.New("chat: tool-invocation part missing toolInvocation payload")
		}
		if raw.ToolInvocation.State != ToolStateCall && raw.ToolInvocation.State != ToolStateResult {
			return fmt.Errorf("chat: unknown tool invocation state %q", raw.ToolInvocation.State)
		}
	case PartTypeSource:
		if raw.Source == nil || raw.Source.URL == "" {
			return errors.New("chat: source part missing url")
		}
	default:
		return fmt.Errorf("chat: unknown message part type %q", raw.Type)
	}
	*p = Part(raw)
	return nil
}

// PartList serializes as a JSON array in a text column.
type PartList []Part

func (l PartList) Value() (driver.Value, error) {
	if l == nil {
		l = PartList{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *PartList) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		*l = PartList{}
		return nil
	default:
		return fmt.Errorf("chat: cannot scan %T into PartList", src)
	}
	if len(data) == 0 {
		*l = PartList{}
		return nil
	}
	return json.Unmarshal(data, l)
}

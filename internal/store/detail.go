package store

import (
	"encoding/json"
	"fmt"
)

// Detail is the type-tagged payload of an event. The concrete type is
// determined by the event's Type tag; conversion to and from JSON
// happens only at the SQL boundary.
type Detail interface {
	detailType() EventType
}

// MessageDetail is a plain channel message.
type MessageDetail struct {
	Text string `json:"text"`
}

// ReplyDetail is a message answering a parent event.
type ReplyDetail struct {
	Text string `json:"text"`
}

// ReactionDetail is an emoji reaction to a parent event.
type ReactionDetail struct {
	Emoji string `json:"emoji"`
}

// ActionCallDetail requests an action with serialized arguments.
type ActionCallDetail struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ActionStartDetail marks an action beginning to execute.
type ActionStartDetail struct {
	Name string `json:"name"`
}

// ActionOutputDetail carries incremental action output.
type ActionOutputDetail struct {
	Output string `json:"output"`
}

// ActionCompleteDetail carries an action's final result.
type ActionCompleteDetail struct {
	Result string `json:"result,omitempty"`
}

// ActionErrorDetail carries an action failure.
type ActionErrorDetail struct {
	Message string `json:"message"`
}

// ActionAbortDetail marks an action cancelled before completion.
type ActionAbortDetail struct {
	Reason string `json:"reason,omitempty"`
}

// RequestDetail is a raw provider request body.
type RequestDetail struct {
	Body string `json:"body"`
}

// ResponseDetail is a raw provider response body.
type ResponseDetail struct {
	Body string `json:"body"`
}

func (MessageDetail) detailType() EventType        { return EventMessage }
func (ReplyDetail) detailType() EventType          { return EventReply }
func (ReactionDetail) detailType() EventType       { return EventReaction }
func (ActionCallDetail) detailType() EventType     { return EventActionCall }
func (ActionStartDetail) detailType() EventType    { return EventActionStart }
func (ActionOutputDetail) detailType() EventType   { return EventActionOutput }
func (ActionCompleteDetail) detailType() EventType { return EventActionComplete }
func (ActionErrorDetail) detailType() EventType    { return EventActionError }
func (ActionAbortDetail) detailType() EventType    { return EventActionAbort }
func (RequestDetail) detailType() EventType        { return EventRequest }
func (ResponseDetail) detailType() EventType       { return EventResponse }

// EncodeDetail serializes a detail, checking it against the event type tag.
func EncodeDetail(t EventType, d Detail) (string, error) {
	if d == nil {
		return "{}", nil
	}
	if d.detailType() != t {
		return "", fmt.Errorf("detail type %s does not match event type %s", d.detailType(), t)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal %s detail: %w", t, err)
	}
	return string(raw), nil
}

// DecodeDetail deserializes a detail payload for the given event type.
// The switch is exhaustive over the tag set.
func DecodeDetail(t EventType, raw string) (Detail, error) {
	if raw == "" {
		raw = "{}"
	}
	var d Detail
	switch t {
	case EventMessage:
		d = &MessageDetail{}
	case EventReply:
		d = &ReplyDetail{}
	case EventReaction:
		d = &ReactionDetail{}
	case EventActionCall:
		d = &ActionCallDetail{}
	case EventActionStart:
		d = &ActionStartDetail{}
	case EventActionOutput:
		d = &ActionOutputDetail{}
	case EventActionComplete:
		d = &ActionCompleteDetail{}
	case EventActionError:
		d = &ActionErrorDetail{}
	case EventActionAbort:
		d = &ActionAbortDetail{}
	case EventRequest:
		d = &RequestDetail{}
	case EventResponse:
		d = &ResponseDetail{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal([]byte(raw), d); err != nil {
		return nil, fmt.Errorf("unmarshal %s detail: %w", t, err)
	}
	return deref(d), nil
}

// deref returns the value form so callers can type-switch on concrete
// struct types rather than pointers.
func deref(d Detail) Detail {
	switch v := d.(type) {
	case *MessageDetail:
		return *v
	case *ReplyDetail:
		return *v
	case *ReactionDetail:
		return *v
	case *ActionCallDetail:
		return *v
	case *ActionStartDetail:
		return *v
	case *ActionOutputDetail:
		return *v
	case *ActionCompleteDetail:
		return *v
	case *ActionErrorDetail:
		return *v
	case *ActionAbortDetail:
		return *v
	case *RequestDetail:
		return *v
	case *ResponseDetail:
		return *v
	default:
		return d
	}
}

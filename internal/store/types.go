package store

import "time"

// EventType tags an event and fixes the shape of its Detail.
type EventType string

const (
	EventMessage        EventType = "message"
	EventReply          EventType = "reply"
	EventReaction       EventType = "reaction"
	EventActionCall     EventType = "action_call"
	EventActionStart    EventType = "action_start"
	EventActionOutput   EventType = "action_output"
	EventActionComplete EventType = "action_complete"
	EventActionError    EventType = "action_error"
	EventActionAbort    EventType = "action_abort"
	EventRequest        EventType = "request"
	EventResponse       EventType = "response"
)

// EventTypes lists every valid tag.
var EventTypes = []EventType{
	EventMessage, EventReply, EventReaction,
	EventActionCall, EventActionStart, EventActionOutput,
	EventActionComplete, EventActionError, EventActionAbort,
	EventRequest, EventResponse,
}

// ValidEventType reports whether t is a member of the tag set.
func ValidEventType(t EventType) bool {
	for _, v := range EventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Space is a top-level community/container.
type Space struct {
	ID          string
	Name        string
	Description string
}

// Channel belongs to exactly one Space.
type Channel struct {
	ID          string
	Name        string
	Description string
	Space       *Space
}

// User is a chat participant.
type User struct {
	ID   string
	Name string
}

// FileRef describes a stored blob on disk.
type FileRef struct {
	ID       string
	Path     string
	MimeType string
	Size     int64
}

// Attachment links an event to a fetched source and its derived artifact.
// An attachment is resolved once both Raw and Compressed are populated;
// Compressed is re-derivable from Raw and the raw MIME type.
type Attachment struct {
	ID         string
	SourceURL  string
	Raw        *FileRef
	Compressed *FileRef
	ParentID   string
}

// Event is one node of the causal conversation graph. Parent pointers
// form a DAG in well-formed data; the store tolerates cycles.
type Event struct {
	ID              string
	Type            EventType
	Detail          Detail
	CreatedAt       time.Time
	LastProcessedAt *time.Time
	Channel         *Channel
	User            *User
	Parent          *Event
	Attachments     []*Attachment
}

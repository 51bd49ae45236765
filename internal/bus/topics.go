package bus

import "time"

// Store topics.
const (
	TopicEventStored   = "event.stored"
	TopicEventOutbound = "event.outbound"
)

// Scheduler topics.
const (
	TopicTaskStarted      = "task.started"
	TopicTaskPreempted    = "task.preempted"
	TopicTaskSettled      = "task.settled"
	TopicBucketRegistered = "bucket.registered"
	TopicBucketEvicted    = "bucket.evicted"
)

// Attachment topics.
const (
	TopicAttachmentResolved = "attachment.resolved"
	TopicTranscodeFailed    = "attachment.transcode_failed"
)

// EventStoredPayload is published on TopicEventStored after a successful upsert.
type EventStoredPayload struct {
	EventID   string // event id
	ChannelID string // conversation channel, "" for channel-less events
	Type      string // event type tag
}

// OutboundEventPayload is published on TopicEventOutbound for events produced
// by a generation task. Channel adapters deliver these to the platform.
type OutboundEventPayload struct {
	EventID   string
	ChannelID string
	Text      string
}

// TaskPayload carries scheduler lifecycle metadata.
type TaskPayload struct {
	Bucket         string        // bucket name
	Nonce          string        // task nonce
	RemainingSwaps int           // swap budget after this transition
	Outcome        string        // settled only: "ok", "error", "cancelled"
	Duration       time.Duration // settled only: wall time from promotion
}

// BucketPayload is published when a bucket is registered or evicted.
type BucketPayload struct {
	Bucket string
}

// AttachmentResolvedPayload is published after an attachment resolves.
type AttachmentResolvedPayload struct {
	AttachmentID   string
	SourceURL      string
	RawSize        int64
	CompressedSize int64
	FromCache      bool
	FetchDuration  time.Duration // zero when served from cache or disk
}

// TranscodeFailedPayload is published when the transcoder rejects a
// blob; the attachment stays unresolved.
type TranscodeFailedPayload struct {
	AttachmentID string
	MimeType     string
}

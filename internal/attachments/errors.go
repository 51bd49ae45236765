package attachments

import "fmt"

// MissingSourceError is returned when an attachment has no cached
// bytes, no on-disk blob, and no source URL to fetch.
type MissingSourceError struct {
	AttachmentID string
}

func (e *MissingSourceError) Error() string {
	return fmt.Sprintf("attachment %s has no raw bytes and no source to fetch", e.AttachmentID)
}

// UnsupportedSourceTypeError is returned when no transform exists for
// the raw MIME type.
type UnsupportedSourceTypeError struct {
	AttachmentID string
	MimeType     string
}

func (e *UnsupportedSourceTypeError) Error() string {
	return fmt.Sprintf("attachment %s: no transform for media type %q", e.AttachmentID, e.MimeType)
}

// FetchError wraps a failed source download.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TranscodeError carries the transcoder's captured stderr.
type TranscodeError struct {
	Stderr string
	Err    error
}

func (e *TranscodeError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("transcode failed: %v", e.Err)
	}
	return fmt.Sprintf("transcode failed: %v: %s", e.Err, e.Stderr)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

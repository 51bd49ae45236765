package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/threadloom/internal/bus"
	"github.com/basket/threadloom/internal/config"
	"github.com/basket/threadloom/internal/store"
)

type cacheEntry struct {
	raw        []byte
	compressed []byte
	mimeType   string
}

// Resolver turns a partial attachment into one with durable raw and
// compressed blobs. Resolution order is memory cache, then the
// attachment's on-disk blobs, then a fetch of the source URL. The
// compressed blob is derived from raw by a transform keyed on the raw
// MIME type.
type Resolver struct {
	cfg    config.Config
	bus    *bus.Bus
	logger *slog.Logger
	client *http.Client
	runner Runner

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewResolver builds a resolver using the real transcoder binary.
func NewResolver(cfg config.Config, b *bus.Bus, logger *slog.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		bus:    b,
		logger: logger.With("component", "attachments"),
		client: &http.Client{Timeout: cfg.FetchTimeout()},
		runner: execRunner{},
		cache:  make(map[string]cacheEntry),
	}
}

func (r *Resolver) blobPath(attachmentID, name string) string {
	return filepath.Join(r.cfg.FilesDir(), attachmentID, name)
}

// Resolve populates att.Raw and att.Compressed, persisting both blobs
// under the files directory. Resolving the same source twice returns
// byte-identical blobs without a second fetch or transcode.
func (r *Resolver) Resolve(ctx context.Context, att *store.Attachment) (*store.Attachment, error) {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	rawPath := r.blobPath(att.ID, "raw")
	compressedPath := r.blobPath(att.ID, "compressed")

	var (
		raw        []byte
		compressed []byte
		mimeType   string
		fromCache  bool
		fetchTook  time.Duration
	)

	if att.SourceURL != "" {
		r.mu.Lock()
		if entry, ok := r.cache[att.SourceURL]; ok {
			raw, compressed, mimeType = entry.raw, entry.compressed, entry.mimeType
			fromCache = true
		}
		r.mu.Unlock()
	}

	if raw == nil {
		data, err := os.ReadFile(rawPath)
		switch {
		case err == nil:
			raw = data
			mimeType = detectMime("", raw)
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read raw blob: %w", err)
		}
	}

	if raw == nil {
		if att.SourceURL == "" {
			return nil, &MissingSourceError{AttachmentID: att.ID}
		}
		start := time.Now()
		data, fetched, err := r.fetch(ctx, att.SourceURL)
		if err != nil {
			return nil, err
		}
		fetchTook = time.Since(start)
		raw = data
		mimeType = fetched
	}

	if err := writeBlobIfAbsent(rawPath, raw); err != nil {
		return nil, err
	}

	if compressed == nil {
		data, err := os.ReadFile(compressedPath)
		switch {
		case err == nil:
			compressed = data
		case os.IsNotExist(err):
			derived, err := r.derive(ctx, att, raw, mimeType)
			if err != nil {
				var tErr *TranscodeError
				if errors.As(err, &tErr) {
					r.bus.Publish(bus.TopicTranscodeFailed, bus.TranscodeFailedPayload{
						AttachmentID: att.ID,
						MimeType:     mimeType,
					})
				}
				return nil, err
			}
			compressed = derived
		default:
			return nil, fmt.Errorf("read compressed blob: %w", err)
		}
	}
	if err := writeBlobIfAbsent(compressedPath, compressed); err != nil {
		return nil, err
	}

	att.Raw = &store.FileRef{
		ID:       att.ID + "-raw",
		Path:     rawPath,
		MimeType: mimeType,
		Size:     int64(len(raw)),
	}
	att.Compressed = &store.FileRef{
		ID:       att.ID + "-compressed",
		Path:     compressedPath,
		MimeType: compressedMime(mimeType),
		Size:     int64(len(compressed)),
	}

	if att.SourceURL != "" && !fromCache {
		r.mu.Lock()
		r.cache[att.SourceURL] = cacheEntry{raw: raw, compressed: compressed, mimeType: mimeType}
		r.mu.Unlock()
	}

	r.logger.Debug("attachment resolved",
		"attachment_id", att.ID,
		"mime_type", mimeType,
		"raw_bytes", len(raw),
		"compressed_bytes", len(compressed),
		"from_cache", fromCache)
	r.bus.Publish(bus.TopicAttachmentResolved, bus.AttachmentResolvedPayload{
		AttachmentID:   att.ID,
		SourceURL:      att.SourceURL,
		RawSize:        int64(len(raw)),
		CompressedSize: int64(len(compressed)),
		FromCache:      fromCache,
		FetchDuration:  fetchTook,
	})
	return att, nil
}

// derive selects the transform for the raw MIME type.
func (r *Resolver) derive(ctx context.Context, att *store.Attachment, raw []byte, mimeType string) ([]byte, error) {
	a := r.cfg.Attachments
	switch {
	case mimeType == "text/html":
		article, err := extractArticle(raw, att.SourceURL, a.MaxArticleChars)
		if err != nil {
			return nil, err
		}
		return []byte(article), nil
	case strings.HasPrefix(mimeType, "text/"):
		return []byte(truncateWords(string(raw), a.MaxTextWords)), nil
	case mimeType == "image/gif":
		// Animated images take the video path so duration and frame
		// rate bounds apply.
		return r.transcode(ctx, raw, ".webm", func(in, out string) []string {
			return videoArgs(in, out, a.MaxVideoSeconds, a.MaxImageDimension, a.MaxVideoFPS)
		})
	case strings.HasPrefix(mimeType, "image/"):
		return r.transcode(ctx, raw, ".webp", func(in, out string) []string {
			return imageArgs(in, out, a.MaxImageDimension)
		})
	case strings.HasPrefix(mimeType, "audio/"):
		return r.transcode(ctx, raw, ".opus", func(in, out string) []string {
			return audioArgs(in, out, a.MaxAudioSeconds)
		})
	case strings.HasPrefix(mimeType, "video/"):
		return r.transcode(ctx, raw, ".webm", func(in, out string) []string {
			return videoArgs(in, out, a.MaxVideoSeconds, a.MaxImageDimension, a.MaxVideoFPS)
		})
	default:
		return nil, &UnsupportedSourceTypeError{AttachmentID: att.ID, MimeType: mimeType}
	}
}

func (r *Resolver) fetch(ctx context.Context, source string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", &FetchError{URL: source, Err: err}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", &FetchError{URL: source, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &FetchError{URL: source, Status: resp.StatusCode}
	}

	maxBytes := r.cfg.Attachments.MaxFetchBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", &FetchError{URL: source, Err: err}
	}
	if int64(len(data)) > maxBytes {
		return nil, "", &FetchError{URL: source, Err: fmt.Errorf("body exceeds %d bytes", maxBytes)}
	}
	return data, detectMime(resp.Header.Get("Content-Type"), data), nil
}

// detectMime prefers the declared content type, falling back to
// content sniffing when it is missing or opaque.
func detectMime(declared string, data []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	sniffed, _, err := mime.ParseMediaType(http.DetectContentType(data))
	if err != nil {
		return "application/octet-stream"
	}
	return sniffed
}

// compressedMime maps a raw MIME type to the type of its derived blob.
func compressedMime(rawMime string) string {
	switch {
	case rawMime == "text/html":
		return "text/markdown"
	case strings.HasPrefix(rawMime, "text/"):
		return "text/plain"
	case rawMime == "image/gif", strings.HasPrefix(rawMime, "video/"):
		return "video/webm"
	case strings.HasPrefix(rawMime, "image/"):
		return "image/webp"
	case strings.HasPrefix(rawMime, "audio/"):
		return "audio/opus"
	default:
		return rawMime
	}
}

func writeBlobIfAbsent(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat blob: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

package attachments

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/threadloom/internal/bus"
	"github.com/basket/threadloom/internal/config"
	"github.com/basket/threadloom/internal/store"
)

// fakeRunner stands in for ffmpeg. It records every invocation and
// writes a fixed payload to the output path (the final argument).
type fakeRunner struct {
	calls int
	argv  [][]string
	fail  bool
}

func (f *fakeRunner) Run(ctx context.Context, bin string, args []string) error {
	f.calls++
	f.argv = append(f.argv, args)
	if f.fail {
		return &TranscodeError{Stderr: "conversion failed", Err: errors.New("exit status 1")}
	}
	return os.WriteFile(args[len(args)-1], []byte("transcoded"), 0o644)
}

func newTestResolver(t *testing.T) (*Resolver, *fakeRunner) {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Attachments.MaxTextWords = 5
	cfg.Attachments.MaxArticleChars = 500
	r := NewResolver(cfg, bus.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	fake := &fakeRunner{}
	r.runner = fake
	return r, fake
}

func serveBytes(t *testing.T, contentType string, body []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", contentType)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveTextTruncation(t *testing.T) {
	r, fake := newTestResolver(t)
	var hits atomic.Int32
	srv := serveBytes(t, "text/plain", []byte("one two three four five six seven"), &hits)

	att, err := r.Resolve(context.Background(), &store.Attachment{ID: "att-1", SourceURL: srv.URL})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if fake.calls != 0 {
		t.Fatalf("text transform invoked the transcoder %d times", fake.calls)
	}

	raw, err := os.ReadFile(att.Raw.Path)
	if err != nil {
		t.Fatalf("read raw blob: %v", err)
	}
	if string(raw) != "one two three four five six seven" {
		t.Fatalf("raw blob altered: %q", raw)
	}
	compressed, err := os.ReadFile(att.Compressed.Path)
	if err != nil {
		t.Fatalf("read compressed blob: %v", err)
	}
	want := "one two three four five\n" + truncationMarker
	if string(compressed) != want {
		t.Fatalf("compressed = %q, want %q", compressed, want)
	}
	if att.Raw.MimeType != "text/plain" || att.Compressed.MimeType != "text/plain" {
		t.Fatalf("mime types = %q/%q", att.Raw.MimeType, att.Compressed.MimeType)
	}
	if att.Raw.Size != int64(len(raw)) || att.Compressed.Size != int64(len(compressed)) {
		t.Fatal("file sizes do not match blob lengths")
	}
}

func TestResolveCacheTransparency(t *testing.T) {
	r, fake := newTestResolver(t)
	sub := r.bus.Subscribe(bus.TopicAttachmentResolved)
	defer r.bus.Unsubscribe(sub)
	var hits atomic.Int32
	srv := serveBytes(t, "image/png", []byte("png-bytes"), &hits)

	first, err := r.Resolve(context.Background(), &store.Attachment{ID: "att-1", SourceURL: srv.URL})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := r.Resolve(context.Background(), &store.Attachment{ID: "att-2", SourceURL: srv.URL})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	fetched := (<-sub.Ch()).Payload.(bus.AttachmentResolvedPayload)
	if fetched.FromCache || fetched.FetchDuration <= 0 {
		t.Fatalf("first resolution payload = %+v, want fetched with a duration", fetched)
	}
	cached := (<-sub.Ch()).Payload.(bus.AttachmentResolvedPayload)
	if !cached.FromCache || cached.FetchDuration != 0 {
		t.Fatalf("second resolution payload = %+v, want cache hit without a duration", cached)
	}

	if got := hits.Load(); got != 1 {
		t.Fatalf("source fetched %d times, want 1", got)
	}
	if fake.calls != 1 {
		t.Fatalf("transcoder ran %d times, want 1", fake.calls)
	}

	firstRaw, _ := os.ReadFile(first.Raw.Path)
	secondRaw, _ := os.ReadFile(second.Raw.Path)
	if !bytes.Equal(firstRaw, secondRaw) {
		t.Fatal("cached raw bytes differ from fetched raw bytes")
	}
	firstC, _ := os.ReadFile(first.Compressed.Path)
	secondC, _ := os.ReadFile(second.Compressed.Path)
	if !bytes.Equal(firstC, secondC) {
		t.Fatal("cached compressed bytes differ")
	}
}

func TestResolveDiskBlobsSurviveRestart(t *testing.T) {
	r, _ := newTestResolver(t)
	var hits atomic.Int32
	srv := serveBytes(t, "text/plain", []byte("short note"), &hits)

	if _, err := r.Resolve(context.Background(), &store.Attachment{ID: "att-1", SourceURL: srv.URL}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	// A fresh resolver has an empty memory cache; the blobs on disk
	// must satisfy the same attachment without refetching.
	fresh := NewResolver(r.cfg, bus.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	fresh.runner = &fakeRunner{}
	att, err := fresh.Resolve(context.Background(), &store.Attachment{ID: "att-1"})
	if err != nil {
		t.Fatalf("resolve from disk: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("disk-backed resolve fetched the source again (%d hits)", got)
	}
	raw, _ := os.ReadFile(att.Raw.Path)
	if string(raw) != "short note" {
		t.Fatalf("raw blob = %q", raw)
	}
}

func TestResolveMissingSource(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), &store.Attachment{ID: "att-1"})
	var missing *MissingSourceError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSourceError, got %v", err)
	}
	if missing.AttachmentID != "att-1" {
		t.Fatalf("error names attachment %q", missing.AttachmentID)
	}
}

func TestResolveUnsupportedType(t *testing.T) {
	r, _ := newTestResolver(t)
	var hits atomic.Int32
	srv := serveBytes(t, "application/zip", []byte("PK\x03\x04"), &hits)

	_, err := r.Resolve(context.Background(), &store.Attachment{ID: "att-1", SourceURL: srv.URL})
	var unsupported *UnsupportedSourceTypeError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedSourceTypeError, got %v", err)
	}
	if unsupported.MimeType != "application/zip" {
		t.Fatalf("error names media type %q", unsupported.MimeType)
	}
}

func TestResolveImageArgsAndCleanup(t *testing.T) {
	r, fake := newTestResolver(t)
	var hits atomic.Int32
	srv := serveBytes(t, "image/jpeg", []byte("jpeg-bytes"), &hits)

	att, err := r.Resolve(context.Background(), &store.Attachment{ID: "att-1", SourceURL: srv.URL})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if att.Compressed.MimeType != "image/webp" {
		t.Fatalf("compressed mime = %q, want image/webp", att.Compressed.MimeType)
	}

	if len(fake.argv) != 1 {
		t.Fatalf("transcoder ran %d times, want 1", len(fake.argv))
	}
	argv := strings.Join(fake.argv[0], " ")
	if !strings.Contains(argv, "libwebp") || !strings.Contains(argv, "min(iw,1024)") {
		t.Fatalf("unexpected transcoder argv: %s", argv)
	}

	entries, err := os.ReadDir(r.cfg.ScratchDir())
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir still holds %d temp files", len(entries))
	}
}

func TestResolveTranscodeFailureCleansScratch(t *testing.T) {
	r, fake := newTestResolver(t)
	fake.fail = true
	sub := r.bus.Subscribe(bus.TopicTranscodeFailed)
	defer r.bus.Unsubscribe(sub)
	var hits atomic.Int32
	srv := serveBytes(t, "audio/mpeg", []byte("mp3-bytes"), &hits)

	_, err := r.Resolve(context.Background(), &store.Attachment{ID: "att-1", SourceURL: srv.URL})
	var tErr *TranscodeError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TranscodeError, got %v", err)
	}
	if tErr.Stderr != "conversion failed" {
		t.Fatalf("stderr not captured: %q", tErr.Stderr)
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.TranscodeFailedPayload)
		if payload.AttachmentID != "att-1" || payload.MimeType != "audio/mpeg" {
			t.Fatalf("transcode failure payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no transcode failure event published")
	}

	entries, err := os.ReadDir(r.cfg.ScratchDir())
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed transcode left %d temp files behind", len(entries))
	}
}

func TestResolveArticleExtraction(t *testing.T) {
	r, _ := newTestResolver(t)
	page := `<!DOCTYPE html><html><head><title>Field Notes</title></head><body>
<nav>home | about</nav>
<article><h1>Field Notes</h1>
<p>The first observation concerns migratory patterns.</p>
<p>The second observation concerns feeding behaviour.</p></article>
</body></html>`
	var hits atomic.Int32
	srv := serveBytes(t, "text/html; charset=utf-8", []byte(page), &hits)

	att, err := r.Resolve(context.Background(), &store.Attachment{ID: "att-1", SourceURL: srv.URL})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if att.Compressed.MimeType != "text/markdown" {
		t.Fatalf("compressed mime = %q, want text/markdown", att.Compressed.MimeType)
	}
	markdown, err := os.ReadFile(att.Compressed.Path)
	if err != nil {
		t.Fatalf("read compressed blob: %v", err)
	}
	if !strings.Contains(string(markdown), "migratory patterns") {
		t.Fatalf("article body missing from markdown: %q", markdown)
	}
	if strings.Contains(string(markdown), "\n\n\n") {
		t.Fatal("markdown contains uncollapsed blank lines")
	}
}

func TestTruncateHelpers(t *testing.T) {
	if got := truncateWords("a b c", 5); got != "a b c" {
		t.Fatalf("under-limit text altered: %q", got)
	}
	if got := truncateWords("a\t b\n\nc", 5); got != "a\t b\n\nc" {
		t.Fatalf("under-limit whitespace not preserved: %q", got)
	}
	if got := truncateWords("a\t b\n\nc d", 3); got != "a b c\n"+truncationMarker {
		t.Fatalf("truncated branch did not collapse whitespace: %q", got)
	}
	if got := truncateChars("hello", 10); got != "hello" {
		t.Fatalf("under-limit text altered: %q", got)
	}
	if got := truncateChars("hello world", 5); got != "hello\n"+truncationMarker {
		t.Fatalf("truncateChars = %q", got)
	}
}

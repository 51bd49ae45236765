package attachments

import (
	"context"
	"fmt"
	"os"
)

// The transcoder argv lists below are static templates. The only
// substituted values are scratch-file paths and numeric bounds from
// config; source content never reaches the command line.

func imageArgs(in, out string, maxDim int) []string {
	scale := fmt.Sprintf(
		"scale='min(iw,%d)':'min(ih,%d)':force_original_aspect_ratio=decrease:flags=lanczos",
		maxDim, maxDim)
	return []string{
		"-y", "-i", in,
		"-vf", scale,
		"-c:v", "libwebp", "-lossless", "1",
		out,
	}
}

func audioArgs(in, out string, maxSeconds int) []string {
	return []string{
		"-y", "-i", in,
		"-t", fmt.Sprintf("%d", maxSeconds),
		"-ac", "1", "-ar", "24000",
		"-c:a", "libopus", "-b:a", "32k",
		out,
	}
}

func videoArgs(in, out string, maxSeconds, maxDim, fps int) []string {
	// The second scale pass forces even dimensions, which vp9 requires.
	filter := fmt.Sprintf(
		"fps=%d,scale='min(iw,%d)':'min(ih,%d)':force_original_aspect_ratio=decrease,scale=trunc(iw/2)*2:trunc(ih/2)*2",
		fps, maxDim, maxDim)
	return []string{
		"-y", "-i", in,
		"-t", fmt.Sprintf("%d", maxSeconds),
		"-vf", filter,
		"-an",
		"-c:v", "libvpx-vp9", "-crf", "40", "-b:v", "0",
		out,
	}
}

// transcode writes raw to a scratch temp file, runs the transcoder into
// a second temp file, and returns the output bytes. Both temp files are
// removed on every exit path.
func (r *Resolver) transcode(ctx context.Context, raw []byte, outSuffix string, args func(in, out string) []string) ([]byte, error) {
	scratch := r.cfg.ScratchDir()
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	in, err := os.CreateTemp(scratch, "in-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch input: %w", err)
	}
	defer os.Remove(in.Name())
	if _, err := in.Write(raw); err != nil {
		in.Close()
		return nil, fmt.Errorf("write scratch input: %w", err)
	}
	if err := in.Close(); err != nil {
		return nil, fmt.Errorf("close scratch input: %w", err)
	}

	out, err := os.CreateTemp(scratch, "out-*"+outSuffix)
	if err != nil {
		return nil, fmt.Errorf("create scratch output: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	if err := r.runner.Run(ctx, r.cfg.Attachments.FFmpegPath, args(in.Name(), outPath)); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read transcoder output: %w", err)
	}
	return data, nil
}

package attachments

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

const maxStderrLen = 2048

// Runner executes the external transcoder binary. Tests substitute a
// fake so the suite does not depend on ffmpeg being installed.
type Runner interface {
	Run(ctx context.Context, bin string, args []string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderrLen {
			msg = msg[len(msg)-maxStderrLen:]
		}
		return &TranscodeError{Stderr: msg, Err: err}
	}
	return nil
}

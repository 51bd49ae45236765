package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrStaleInstance marks an inbound event that arrived at a superseded
// process instance. Callers drop the event instead of processing it.
var ErrStaleInstance = errors.New("process instance superseded by a newer deploy")

// Guard performs the deploy-nonce freshness check. Each process writes
// a fresh nonce to a well-known path at startup; an older instance
// still draining work sees a nonce it did not write and stands down.
type Guard struct {
	path  string
	nonce string
}

// NewGuard writes a fresh process nonce to path and returns the guard.
func NewGuard(path string) (*Guard, error) {
	nonce := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create nonce dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(nonce+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write deploy nonce: %w", err)
	}
	return &Guard{path: path, nonce: nonce}, nil
}

// Nonce returns this instance's identifier.
func (g *Guard) Nonce() string { return g.nonce }

// Check compares the recorded nonce against this instance's own.
func (g *Guard) Check() error {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return fmt.Errorf("read deploy nonce: %w", err)
	}
	if strings.TrimSpace(string(data)) != g.nonce {
		return ErrStaleInstance
	}
	return nil
}

package channels

import (
	"context"

	"github.com/basket/threadloom/internal/store"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// InboundHandler receives events produced by a channel adapter.
type InboundHandler interface {
	HandleInbound(ctx context.Context, ev *store.Event) error
}

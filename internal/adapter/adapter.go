// Package adapter defines the transport contract every front-end
// implements: start/stop lifecycle, outbound send, and inbound fetch. The
// core only sees adapters through this interface and through the messages
// they hand their Observer.
package adapter

import (
	"context"

	"github.com/ciriscore/agentcore/internal/observer"
)

// Adapter is the §6 inbound/outbound contract. The concrete transport is
// opaque to the core; adapters call into the core only via the Observer
// and via registration with the ServiceRegistry.
type Adapter interface {
	// Name identifies the adapter in origins and audit actors.
	Name() string
	// Start begins consuming inbound traffic; it returns once the adapter
	// is accepting messages, with long-lived work running under ctx.
	Start(ctx context.Context) error
	// Stop drains the adapter and releases its transport.
	Stop() error
	// SendMessage delivers content to a channel. False means the channel
	// refused the message without a transport error.
	SendMessage(channelID, content string) (bool, error)
	// FetchMessages returns up to limit recent messages from a channel.
	FetchMessages(channelID string, limit int) ([]observer.IncomingMessage, error)
}

// Package messaging defines the outbound messaging boundary the core depends
// on. The wire protocol of the messaging API is deliberately out of scope;
// implementations live behind Transport and Dialer.
package messaging

import "context"

// Identity is the resolved identity of a bot credential.
type Identity struct {
	ID     string
	Handle string
}

// Update is one inbound event dispatched to a tenant's command surface.
type Update struct {
	ChatID   int64
	UserID   int64
	Username string
	Text     string
}

// Transport is one live, credential-bound messaging connection. Delivery
// failures during broadcasts are non-fatal and swallowed per recipient by
// callers.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string) (messageID int64, err error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error

	// ResolveIdentity performs the "who am I" round-trip. It doubles as the
	// liveness probe during runtime start.
	ResolveIdentity(ctx context.Context) (Identity, error)
}

// Listener is implemented by transports that can pump inbound updates.
type Listener interface {
	// Listen blocks, invoking fn for every inbound update, until ctx is done.
	Listen(ctx context.Context, fn func(Update)) error
}

// Dialer binds a credential to a live Transport.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Transport, error)
}

// Handler is the command surface attached to a running tenant; the core only
// dispatches updates into it.
type Handler interface {
	HandleUpdate(ctx context.Context, t Transport, u Update)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t Transport, u Update)

func (f HandlerFunc) HandleUpdate(ctx context.Context, t Transport, u Update) {
	f(ctx, t, u)
}

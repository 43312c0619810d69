package chat

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Channel is the interface every surface driver implements.
//
// Start owns the driver's ingest loop: it blocks until ctx is cancelled,
// pushing normalized events into the sink. Drivers reconnect internally with
// backoff; a returned error means the driver cannot run at all.
type Channel interface {
	// Name returns the surface this driver serves.
	Name() Surface

	// Start runs the ingest loop until ctx is cancelled.
	Start(ctx context.Context, sink chan<- *InboundEvent) error

	// Send delivers a single outbound message.
	Send(ctx context.Context, msg *OutgoingMessage) error

	// Close releases driver resources.
	Close() error
}

// Router is the registry of active surface drivers. The dispatcher resolves
// outbound messages through it; transports register themselves at startup.
// Concurrent-safe for Register and Get operations.
type Router struct {
	mu       sync.RWMutex
	registry map[Surface]Channel
}

// NewRouter creates an empty channel router.
func NewRouter() *Router {
	return &Router{registry: make(map[Surface]Channel)}
}

// Register registers a surface driver.
func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	r.registry[ch.Name()] = ch
	r.mu.Unlock()
}

// Get returns the driver for a surface, or nil if not registered.
func (r *Router) Get(surface Surface) Channel {
	r.mu.RLock()
	ch := r.registry[surface]
	r.mu.RUnlock()
	return ch
}

// Send delivers an outbound message through the owning driver.
func (r *Router) Send(ctx context.Context, msg *OutgoingMessage) error {
	ch := r.Get(msg.Surface)
	if ch == nil {
		return ErrNoChannelForSurface
	}
	return ch.Send(ctx, msg)
}

// TypingNotifier is implemented by drivers that can show a typing indicator.
type TypingNotifier interface {
	Typing(to string)
}

// Typing pushes a typing indicator when the surface driver supports one.
// Best effort; surfaces without indicators ignore it.
func (r *Router) Typing(surface Surface, to string) {
	if tn, ok := r.Get(surface).(TypingNotifier); ok {
		tn.Typing(to)
	}
}

// Errors
var (
	ErrNoChannelForSurface = &ChannelError{Code: "NO_CHANNEL", Message: "no channel registered for surface"}
	ErrInvalidPayload      = &ChannelError{Code: "INVALID_PAYLOAD", Message: "could not parse payload"}
	ErrSendFailed          = &ChannelError{Code: "SEND_FAILED", Message: "failed to deliver message"}
)

// ChannelError represents an error in channel operations.
type ChannelError struct {
	Code    string
	Message string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is transient and the delivery can be
// retried.
func (e *ChannelError) IsRetryable() bool {
	switch e.Code {
	case "NO_CHANNEL", "INVALID_PAYLOAD":
		return false
	default:
		return true
	}
}

// IsRetryable reports whether err is a transient channel failure. Unknown
// error types are treated as retryable; only errors a retry can never fix
// (unregistered surface, malformed payload) opt out.
func IsRetryable(err error) bool {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return true
}

var _ io.Closer = (*Router)(nil)

// Close closes all registered channels.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, ch := range r.registry {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

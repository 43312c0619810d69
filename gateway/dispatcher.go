package gateway

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/internal/config"
	"github.com/hrygo/clawgate/metrics"
)

// Dispatcher delivers outbound messages through the channel router with
// bounded retries. Delivery order within one session is preserved because the
// coordinator calls Deliver from a single goroutine per run.
type Dispatcher struct {
	router *chat.Router
	cfg    *config.DeliveryConfig
}

// NewDispatcher wires delivery onto the router.
func NewDispatcher(router *chat.Router, cfg *config.DeliveryConfig) *Dispatcher {
	return &Dispatcher{router: router, cfg: cfg}
}

// Typing signals the surface that a reply is being composed.
func (d *Dispatcher) Typing(surface chat.Surface, to string) {
	d.router.Typing(surface, to)
}

// Deliver sends one message, retrying retryable failures with jittered
// backoff. After the last attempt fails a minimal failure notice is sent on a
// best-effort basis so the conversation does not go silent.
func (d *Dispatcher) Deliver(ctx context.Context, msg *chat.OutgoingMessage) error {
	var lastErr error
	backoff := time.Duration(d.cfg.BackoffMs) * time.Millisecond

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.DeliveryRetries.WithLabelValues(string(msg.Surface)).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(backoff << (attempt - 1))):
			}
		}

		lastErr = d.router.Send(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if !chat.IsRetryable(lastErr) {
			break
		}
		slog.Warn("Delivery failed, will retry",
			"surface", string(msg.Surface), "to", msg.To, "attempt", attempt+1, "error", lastErr)
	}

	metrics.DeliveryFailures.WithLabelValues(string(msg.Surface)).Inc()
	slog.Error("Delivery abandoned", "surface", string(msg.Surface), "to", msg.To, "error", lastErr)

	if !msg.Notice {
		notice := &chat.OutgoingMessage{
			Surface: msg.Surface,
			To:      msg.To,
			Text:    "⚠️ Reply could not be delivered.",
			Notice:  true,
		}
		if err := d.router.Send(ctx, notice); err != nil {
			slog.Debug("Failure notice not delivered", "surface", string(msg.Surface), "error", err)
		}
	}
	return lastErr
}

// jitter spreads retries by ±25%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	delta := int64(d) / 4
	return d + time.Duration(rand.Int63n(2*delta+1)-delta)
}

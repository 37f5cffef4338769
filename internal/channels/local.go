package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/royisme/mozi/internal/kernel"
)

// LocalChannel is an in-process channel used by the CLI and by tests:
// inbound messages are injected programmatically and outbound messages are
// captured for the caller.
type LocalChannel struct {
	ingress Ingress
	logger  *slog.Logger

	mu       sync.Mutex
	outbound []kernel.OutboundMessage
	onSend   func(peerID string, msg kernel.OutboundMessage)
}

// NewLocalChannel creates a local channel.
func NewLocalChannel(ingress Ingress, logger *slog.Logger) *LocalChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalChannel{ingress: ingress, logger: logger}
}

func (l *LocalChannel) Name() string {
	return "local"
}

// Start blocks until the context is canceled; the local channel has no
// background ingestion of its own.
func (l *LocalChannel) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// OnSend installs a delivery callback invoked for every outbound message.
func (l *LocalChannel) OnSend(fn func(peerID string, msg kernel.OutboundMessage)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSend = fn
}

// Inject feeds a text message into the kernel as if it had arrived on the
// wire.
func (l *LocalChannel) Inject(ctx context.Context, peerID, senderID, text string) (kernel.EnqueueResult, error) {
	now := time.Now().UTC()
	inbound := kernel.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   l.Name(),
		PeerID:    peerID,
		PeerType:  "dm",
		SenderID:  senderID,
		Text:      text,
		Timestamp: now,
	}
	return l.ingress.EnqueueInbound(ctx, kernel.Envelope{
		ID:         inbound.ID,
		Inbound:    inbound,
		ReceivedAt: now,
	})
}

// SendMessage captures an outbound message.
func (l *LocalChannel) SendMessage(ctx context.Context, peerID string, msg kernel.OutboundMessage) error {
	l.mu.Lock()
	l.outbound = append(l.outbound, msg)
	fn := l.onSend
	l.mu.Unlock()
	if fn != nil {
		fn(peerID, msg)
	}
	return nil
}

// SendTyping is a no-op for the local channel.
func (l *LocalChannel) SendTyping(ctx context.Context, peerID string) error {
	return nil
}

// Outbound returns a copy of the captured outbound messages.
func (l *LocalChannel) Outbound() []kernel.OutboundMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]kernel.OutboundMessage, len(l.outbound))
	copy(out, l.outbound)
	return out
}

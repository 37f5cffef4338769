package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// OutboundMessage is one outbound payload on its way to a channel adapter.
type OutboundMessage struct {
	Text      string
	Media     []string
	ReplyToID string
}

// OutboundChannel is the delivery surface a channel adapter exposes to the
// kernel.
type OutboundChannel interface {
	SendMessage(ctx context.Context, peerID string, msg OutboundMessage) error
	SendTyping(ctx context.Context, peerID string) error
}

// ChannelRegistry maps channel ids to their outbound adapters.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]OutboundChannel
}

// NewChannelRegistry creates an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{channels: make(map[string]OutboundChannel)}
}

// Register installs an outbound adapter under a channel id, replacing any
// previous registration.
func (r *ChannelRegistry) Register(channelID string, ch OutboundChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channelID] = ch
}

// Outbound looks up the adapter for a channel id.
func (r *ChannelRegistry) Outbound(channelID string) (OutboundChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	return ch, ok
}

// DeliveryReceipt identifies the queue item an outbound message belongs to,
// keeping delivery observable and attempts countable.
type DeliveryReceipt struct {
	QueueItemID string
	EnvelopeID  string
	SessionKey  string
	ChannelID   string
	PeerID      string
	Attempt     int
	Status      string
}

// Egress resolves channel ids against the registry and forwards outbound
// traffic. Handlers never see the registry directly.
type Egress struct {
	registry *ChannelRegistry
	logger   *slog.Logger
}

// NewEgress creates an Egress over the registry.
func NewEgress(registry *ChannelRegistry, logger *slog.Logger) *Egress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Egress{registry: registry, logger: logger}
}

// Send delivers an outbound message for the receipt's channel and peer.
// Failures propagate to the handler; the egress never retries.
func (e *Egress) Send(ctx context.Context, receipt DeliveryReceipt, msg OutboundMessage) error {
	ch, ok := e.registry.Outbound(receipt.ChannelID)
	if !ok {
		return fmt.Errorf("egress send: unknown channel %q", receipt.ChannelID)
	}
	e.logger.Debug("egress send",
		"channel", receipt.ChannelID,
		"peer", receipt.PeerID,
		"queue_item", receipt.QueueItemID,
		"attempt", receipt.Attempt,
	)
	return ch.SendMessage(ctx, receipt.PeerID, msg)
}

// BeginTyping signals a typing indicator for the receipt's peer.
func (e *Egress) BeginTyping(ctx context.Context, receipt DeliveryReceipt) error {
	ch, ok := e.registry.Outbound(receipt.ChannelID)
	if !ok {
		return fmt.Errorf("egress typing: unknown channel %q", receipt.ChannelID)
	}
	return ch.SendTyping(ctx, receipt.PeerID)
}

// RuntimeChannel is the per-turn facade handed to the handler. Its surface
// matches a real channel adapter but every call carries the turn's delivery
// receipt through the egress. Synthesized per claimed item and discarded.
type RuntimeChannel struct {
	egress  *Egress
	receipt DeliveryReceipt
}

// NewRuntimeChannel builds the per-turn facade.
func NewRuntimeChannel(egress *Egress, receipt DeliveryReceipt) *RuntimeChannel {
	return &RuntimeChannel{egress: egress, receipt: receipt}
}

// Send delivers an outbound message for this turn.
func (rc *RuntimeChannel) Send(ctx context.Context, msg OutboundMessage) error {
	return rc.egress.Send(ctx, rc.receipt, msg)
}

// SendText delivers a plain-text outbound message.
func (rc *RuntimeChannel) SendText(ctx context.Context, text string) error {
	return rc.Send(ctx, OutboundMessage{Text: text})
}

// BeginTyping starts a typing indicator for this turn's peer.
func (rc *RuntimeChannel) BeginTyping(ctx context.Context) error {
	return rc.egress.BeginTyping(ctx, rc.receipt)
}

// Receipt returns this turn's delivery receipt.
func (rc *RuntimeChannel) Receipt() DeliveryReceipt {
	return rc.receipt
}

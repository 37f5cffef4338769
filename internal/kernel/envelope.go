package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InboundMessage is a channel-agnostic inbound message at the kernel
// boundary.
type InboundMessage struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	PeerID    string         `json:"peerId"`
	PeerType  string         `json:"peerType"`
	SenderID  string         `json:"senderId"`
	Text      string         `json:"text,omitempty"`
	Media     []string       `json:"media,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// Envelope wraps an inbound message on its way into EnqueueInbound.
type Envelope struct {
	ID         string
	Inbound    InboundMessage
	DedupKey   string // defaults to {channel}:{inbound.id}
	ReceivedAt time.Time
}

// EnqueueResult reports the outcome of one EnqueueInbound call. Accepted is
// false only for a duplicate dedup key. A successful steer or collect merge
// counts as a logical enqueue (accepted, not deduplicated).
type EnqueueResult struct {
	Accepted     bool
	Deduplicated bool
	QueueItemID  string
	SessionKey   string
}

// SessionContext identifies the session an inbound message belongs to.
type SessionContext struct {
	SessionKey string
	AgentID    string
}

// Handler is the mandatory message handler contract.
type Handler interface {
	// ResolveSessionContext maps an inbound message to its session. Pure.
	ResolveSessionContext(inbound InboundMessage) SessionContext

	// Handle processes one claimed queue item. Outbound traffic goes through
	// the runtime channel.
	Handle(ctx context.Context, inbound InboundMessage, rc *RuntimeChannel) error
}

// SessionInterrupter is the optional abort capability. Without it, /stop and
// interrupt-mode admission only transition queue rows.
type SessionInterrupter interface {
	InterruptSession(sessionKey, reason string)
}

// SessionSteerer is the optional steering capability: inject text into an
// active run instead of enqueueing. Returns whether the text was accepted.
type SessionSteerer interface {
	SteerSession(sessionKey, text, mode string) bool
}

// SessionActivityProber is the optional liveness probe used by steer-backlog
// admission.
type SessionActivityProber interface {
	IsSessionActive(sessionKey string) bool
}

// inboundWire mirrors InboundMessage with a tolerant timestamp field.
type inboundWire struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	PeerID    string          `json:"peerId"`
	PeerType  string          `json:"peerType"`
	SenderID  string          `json:"senderId"`
	Text      string          `json:"text"`
	Media     []string        `json:"media"`
	Timestamp json.RawMessage `json:"timestamp"`
	Raw       map[string]any  `json:"raw"`
}

// DecodeInbound parses a serialized inbound message. Timestamps arrive as
// RFC 3339 strings or epoch milliseconds depending on the producer; peerType
// defaults to dm.
func DecodeInbound(data []byte) (InboundMessage, error) {
	var wire inboundWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return InboundMessage{}, fmt.Errorf("decode inbound: %w", err)
	}
	msg := InboundMessage{
		ID:       wire.ID,
		Channel:  wire.Channel,
		PeerID:   wire.PeerID,
		PeerType: wire.PeerType,
		SenderID: wire.SenderID,
		Text:     wire.Text,
		Media:    wire.Media,
		Raw:      wire.Raw,
	}
	if msg.PeerType == "" {
		msg.PeerType = "dm"
	}
	ts, err := decodeTimestamp(wire.Timestamp)
	if err != nil {
		return InboundMessage{}, err
	}
	msg.Timestamp = ts
	return msg, nil
}

// EncodeInbound serializes an inbound message for the inbound_json column.
func EncodeInbound(msg InboundMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode inbound: %w", err)
	}
	return string(data), nil
}

func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		t, err := time.Parse(time.RFC3339Nano, asString)
		if err != nil {
			return time.Time{}, fmt.Errorf("decode timestamp %q: %w", asString, err)
		}
		return t.UTC(), nil
	}
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return time.UnixMilli(int64(asNumber)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("decode timestamp: unsupported value %s", string(raw))
}

// CommandToken extracts the lowercased leading slash-command token from text,
// stripping any @bot-name suffix. Empty when the text is not a command.
func CommandToken(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return ""
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return ""
	}
	token := fields[0]
	if at := strings.Index(token, "@"); at >= 0 {
		token = token[:at]
	}
	return strings.ToLower(token)
}

package session

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultAgentID is assumed when a session key omits the agent part.
	DefaultAgentID = "mozi"

	defaultChannel  = "unknown"
	defaultPeerType = "dm"
	defaultPeerID   = "unknown"

	// SubagentChannel is the channel literal used by subagent session keys.
	SubagentChannel = "subagent"
)

// KeyParts is the decomposed form of a canonical session key
// {agentId}:{channel}:{peerType}:{peerId}.
type KeyParts struct {
	AgentID  string
	Channel  string
	PeerType string
	PeerID   string
}

// BuildKey assembles a canonical session key, filling defaults for empty
// parts.
func BuildKey(agentID, channel, peerType, peerID string) string {
	if agentID == "" {
		agentID = DefaultAgentID
	}
	if channel == "" {
		channel = defaultChannel
	}
	if peerType == "" {
		peerType = defaultPeerType
	}
	if peerID == "" {
		peerID = defaultPeerID
	}
	return fmt.Sprintf("%s:%s:%s:%s", agentID, channel, peerType, peerID)
}

// BuildSubagentKey creates a key for a spawned subagent session. The channel
// part is the subagent literal and the peer id is random, so each spawn gets
// its own session.
func BuildSubagentKey(agentID string) string {
	return BuildKey(agentID, SubagentChannel, defaultPeerType, uuid.NewString())
}

// ParseKey splits a session key into its parts. A three-part key is read as
// missing the agent id; shorter keys fall back to defaults part by part.
func ParseKey(key string) KeyParts {
	parts := strings.SplitN(key, ":", 4)
	switch len(parts) {
	case 4:
		return KeyParts{
			AgentID:  orDefault(parts[0], DefaultAgentID),
			Channel:  orDefault(parts[1], defaultChannel),
			PeerType: orDefault(parts[2], defaultPeerType),
			PeerID:   orDefault(parts[3], defaultPeerID),
		}
	case 3:
		return KeyParts{
			AgentID:  DefaultAgentID,
			Channel:  orDefault(parts[0], defaultChannel),
			PeerType: orDefault(parts[1], defaultPeerType),
			PeerID:   orDefault(parts[2], defaultPeerID),
		}
	case 2:
		return KeyParts{
			AgentID:  DefaultAgentID,
			Channel:  orDefault(parts[0], defaultChannel),
			PeerType: defaultPeerType,
			PeerID:   orDefault(parts[1], defaultPeerID),
		}
	default:
		return KeyParts{
			AgentID:  DefaultAgentID,
			Channel:  defaultChannel,
			PeerType: defaultPeerType,
			PeerID:   orDefault(key, defaultPeerID),
		}
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Package agent provides the reference message handler wired into the
// kernel. It tracks one cancelable run per session, which is what gives the
// kernel's steering, interruption, and liveness hooks something to act on.
// The actual reply generation is a pluggable Responder so the prompt pipeline
// can be slotted in behind the same contract.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/royisme/mozi/internal/kernel"
	"github.com/royisme/mozi/internal/session"
)

// Responder produces the reply for one inbound turn. Steering text injected
// into a live run arrives on the steering channel; responders that do not
// steer may ignore it.
type Responder func(ctx context.Context, inbound kernel.InboundMessage, steering <-chan string) (string, error)

// EchoResponder is the default stand-in responder: it echoes the inbound
// text plus any steering injected while it ran.
func EchoResponder(ctx context.Context, inbound kernel.InboundMessage, steering <-chan string) (string, error) {
	reply := inbound.Text
	for {
		select {
		case extra := <-steering:
			reply = reply + "\n" + extra
		default:
			return reply, nil
		}
	}
}

type activeRun struct {
	cancel   context.CancelCauseFunc
	steering chan string
}

// SessionHandler implements the kernel handler contract including all three
// optional capabilities: interrupt, steer, and isActive.
type SessionHandler struct {
	agentID   string
	responder Responder
	logger    *slog.Logger

	mu   sync.Mutex
	runs map[string]*activeRun
}

// HandlerConfig holds the handler dependencies.
type HandlerConfig struct {
	AgentID   string
	Responder Responder
	Logger    *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(cfg HandlerConfig) *SessionHandler {
	agentID := cfg.AgentID
	if agentID == "" {
		agentID = session.DefaultAgentID
	}
	responder := cfg.Responder
	if responder == nil {
		responder = EchoResponder
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{
		agentID:   agentID,
		responder: responder,
		logger:    logger,
		runs:      make(map[string]*activeRun),
	}
}

// ResolveSessionContext maps an inbound message onto its canonical session.
func (h *SessionHandler) ResolveSessionContext(inbound kernel.InboundMessage) kernel.SessionContext {
	key := session.BuildKey(h.agentID, inbound.Channel, inbound.PeerType, inbound.PeerID)
	return kernel.SessionContext{SessionKey: key, AgentID: h.agentID}
}

// Handle processes one claimed turn: registers the run, shows typing, runs
// the responder, and sends the reply through the runtime channel.
func (h *SessionHandler) Handle(ctx context.Context, inbound kernel.InboundMessage, rc *kernel.RuntimeChannel) error {
	key := h.ResolveSessionContext(inbound).SessionKey

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	run := &activeRun{cancel: cancel, steering: make(chan string, 8)}

	h.mu.Lock()
	h.runs[key] = run
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.runs[key] == run {
			delete(h.runs, key)
		}
		h.mu.Unlock()
	}()

	if err := rc.BeginTyping(runCtx); err != nil {
		h.logger.Debug("typing indicator failed", "session", key, "error", err)
	}

	reply, err := h.responder(runCtx, inbound, run.steering)
	if err != nil {
		return err
	}
	if cause := context.Cause(runCtx); cause != nil {
		return fmt.Errorf("run aborted: %w", cause)
	}
	if reply == "" {
		return nil
	}
	return rc.Send(ctx, kernel.OutboundMessage{Text: reply, ReplyToID: inbound.ID})
}

// InterruptSession aborts the session's live run, if any.
func (h *SessionHandler) InterruptSession(sessionKey, reason string) {
	h.mu.Lock()
	run, ok := h.runs[sessionKey]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.logger.Info("run interrupted", "session", sessionKey, "reason", reason)
	run.cancel(fmt.Errorf("%s", reason))
}

// SteerSession injects text into the session's live run. Returns false when
// no run is active or its steering buffer is full.
func (h *SessionHandler) SteerSession(sessionKey, text, mode string) bool {
	h.mu.Lock()
	run, ok := h.runs[sessionKey]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case run.steering <- text:
		h.logger.Debug("run steered", "session", sessionKey, "mode", mode)
		return true
	default:
		return false
	}
}

// IsSessionActive reports whether a run is live for the session.
func (h *SessionHandler) IsSessionActive(sessionKey string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.runs[sessionKey]
	return ok
}

// Package channels holds the messaging-platform adapters. Each adapter
// ingests platform messages as kernel envelopes and exposes outbound delivery
// through the kernel's channel registry.
package channels

import (
	"context"

	"github.com/royisme/mozi/internal/kernel"
)

// Channel is a messaging platform integration.
type Channel interface {
	// Name returns the unique channel id (e.g. "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Ingress is the slice of the kernel adapters push envelopes into.
type Ingress interface {
	EnqueueInbound(ctx context.Context, env kernel.Envelope) (kernel.EnqueueResult, error)
}

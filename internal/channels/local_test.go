package channels

import (
	"context"
	"sync"
	"testing"

	"github.com/royisme/mozi/internal/kernel"
)

// recordingIngress captures envelopes handed to the kernel boundary.
type recordingIngress struct {
	mu        sync.Mutex
	envelopes []kernel.Envelope
}

func (r *recordingIngress) EnqueueInbound(ctx context.Context, env kernel.Envelope) (kernel.EnqueueResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
	return kernel.EnqueueResult{Accepted: true, QueueItemID: env.ID, SessionKey: "s1"}, nil
}

func TestLocalChannel_InjectBuildsEnvelope(t *testing.T) {
	ingress := &recordingIngress{}
	local := NewLocalChannel(ingress, nil)

	res, err := local.Inject(context.Background(), "terminal", "operator", "hello there")
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("result = %+v", res)
	}

	ingress.mu.Lock()
	defer ingress.mu.Unlock()
	if len(ingress.envelopes) != 1 {
		t.Fatalf("envelopes = %d", len(ingress.envelopes))
	}
	inbound := ingress.envelopes[0].Inbound
	if inbound.Channel != "local" || inbound.PeerID != "terminal" || inbound.Text != "hello there" {
		t.Fatalf("inbound = %+v", inbound)
	}
	if inbound.PeerType != "dm" {
		t.Fatalf("peerType = %q", inbound.PeerType)
	}
}

func TestLocalChannel_CapturesOutbound(t *testing.T) {
	local := NewLocalChannel(&recordingIngress{}, nil)

	delivered := make(chan kernel.OutboundMessage, 1)
	local.OnSend(func(peerID string, msg kernel.OutboundMessage) {
		delivered <- msg
	})

	if err := local.SendMessage(context.Background(), "terminal", kernel.OutboundMessage{Text: "reply"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-delivered:
		if msg.Text != "reply" {
			t.Fatalf("delivered = %+v", msg)
		}
	default:
		t.Fatal("OnSend callback not invoked")
	}
	if got := local.Outbound(); len(got) != 1 || got[0].Text != "reply" {
		t.Fatalf("outbound = %+v", got)
	}
}

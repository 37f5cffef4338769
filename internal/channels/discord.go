package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/royisme/mozi/internal/kernel"
)

// DiscordChannel bridges a Discord gateway session into the kernel and
// delivers outbound messages for channel id "discord".
type DiscordChannel struct {
	token   string
	ingress Ingress
	logger  *slog.Logger
	session *discordgo.Session
}

// NewDiscordChannel creates a Discord channel.
func NewDiscordChannel(token string, ingress Ingress, logger *slog.Logger) *DiscordChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordChannel{token: token, ingress: ingress, logger: logger}
}

func (d *DiscordChannel) Name() string {
	return "discord"
}

// Start opens the gateway session and blocks until the context is canceled.
func (d *DiscordChannel) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord init failed: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.handleMessage(ctx, s, m)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord open failed: %w", err)
	}
	d.session = session
	d.logger.Info("discord bot started", "user", session.State.User.Username)

	<-ctx.Done()
	if err := session.Close(); err != nil {
		d.logger.Warn("discord close failed", "error", err)
	}
	return ctx.Err()
}

func (d *DiscordChannel) handleMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	peerType := "dm"
	if m.GuildID != "" {
		peerType = "channel"
	}
	var media []string
	for _, att := range m.Attachments {
		media = append(media, att.URL)
	}
	timestamp := m.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	inbound := kernel.InboundMessage{
		ID:        m.ID,
		Channel:   d.Name(),
		PeerID:    m.ChannelID,
		PeerType:  peerType,
		SenderID:  m.Author.ID,
		Text:      m.Content,
		Media:     media,
		Timestamp: timestamp.UTC(),
	}
	env := kernel.Envelope{
		ID:         inbound.ID,
		Inbound:    inbound,
		ReceivedAt: time.Now().UTC(),
	}
	if _, err := d.ingress.EnqueueInbound(ctx, env); err != nil {
		d.logger.Error("discord enqueue failed", "channel_id", m.ChannelID, "error", err)
	}
}

// SendMessage delivers an outbound message to a Discord channel.
func (d *DiscordChannel) SendMessage(ctx context.Context, peerID string, msg kernel.OutboundMessage) error {
	if d.session == nil {
		return fmt.Errorf("discord send: session not started")
	}
	send := &discordgo.MessageSend{Content: msg.Text}
	if msg.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyToID, ChannelID: peerID}
	}
	if _, err := d.session.ChannelMessageSendComplex(peerID, send); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator in a Discord channel.
func (d *DiscordChannel) SendTyping(ctx context.Context, peerID string) error {
	if d.session == nil {
		return fmt.Errorf("discord typing: session not started")
	}
	if err := d.session.ChannelTyping(peerID); err != nil {
		return fmt.Errorf("discord typing: %w", err)
	}
	return nil
}

package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/royisme/mozi/internal/kernel"
)

// TelegramChannel bridges Telegram long polling into the kernel and delivers
// outbound messages for channel id "telegram".
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	ingress    Ingress
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates a Telegram channel. An empty allowedIDs list
// admits every chat.
func NewTelegramChannel(token string, allowedIDs []int64, ingress Ingress, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		ingress:    ingress,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start connects the bot and polls updates until the context is canceled,
// reconnecting with exponential backoff on poll failures.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 30
		updates := t.bot.GetUpdatesChan(u)

		if err := t.pollUpdates(ctx, updates); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("telegram polling interrupted, reconnecting",
				"error", err, "backoff", backoff)
			t.bot.StopReceivingUpdates()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		return nil
	}
}

func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update stream closed")
			}
			if update.Message == nil {
				continue
			}
			t.handleMessage(ctx, update.Message)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if len(t.allowedIDs) > 0 {
		if _, ok := t.allowedIDs[chatID]; !ok {
			t.logger.Debug("telegram message from disallowed chat", "chat_id", chatID)
			return
		}
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	var media []string
	if len(msg.Photo) > 0 {
		// Largest size is last.
		media = append(media, msg.Photo[len(msg.Photo)-1].FileID)
	}

	peerType := "dm"
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		peerType = "group"
	} else if msg.Chat.IsChannel() {
		peerType = "channel"
	}

	senderID := ""
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
	}

	inbound := kernel.InboundMessage{
		ID:        strconv.Itoa(msg.MessageID),
		Channel:   t.Name(),
		PeerID:    strconv.FormatInt(chatID, 10),
		PeerType:  peerType,
		SenderID:  senderID,
		Text:      text,
		Media:     media,
		Timestamp: msg.Time().UTC(),
	}
	env := kernel.Envelope{
		ID:         inbound.ID,
		Inbound:    inbound,
		ReceivedAt: time.Now().UTC(),
	}
	result, err := t.ingress.EnqueueInbound(ctx, env)
	if err != nil {
		t.logger.Error("telegram enqueue failed", "chat_id", chatID, "error", err)
		return
	}
	if result.Deduplicated {
		t.logger.Debug("telegram message deduplicated", "message_id", msg.MessageID)
	}
}

// SendMessage delivers an outbound message to a Telegram chat.
func (t *TelegramChannel) SendMessage(ctx context.Context, peerID string, msg kernel.OutboundMessage) error {
	chatID, err := strconv.ParseInt(peerID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram send: bad peer id %q: %w", peerID, err)
	}
	out := tgbotapi.NewMessage(chatID, msg.Text)
	if msg.ReplyToID != "" {
		if replyTo, err := strconv.Atoi(msg.ReplyToID); err == nil {
			out.ReplyToMessageID = replyTo
		}
	}
	if _, err := t.bot.Send(out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SendTyping shows the typing chat action.
func (t *TelegramChannel) SendTyping(ctx context.Context, peerID string) error {
	chatID, err := strconv.ParseInt(peerID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram typing: bad peer id %q: %w", peerID, err)
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := t.bot.Request(action); err != nil {
		return fmt.Errorf("telegram typing: %w", err)
	}
	return nil
}

// Package bot is the Telegram front end: long polling, command handling,
// and attachment download. It talks to the conversation loop only through
// the Assistant interface.
package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/medicoaqui/medicoaqui/internal/i18n"
)

const (
	maxMsgLen          = 4000
	maxSendRetries     = 3
	maxDownloadRetries = 3
	maxFileSize        = 20 << 20
)

// sender is the slice of the Telegram API the delivery path uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Assistant is the conversation loop surface the bot drives.
type Assistant interface {
	Ask(ctx context.Context, prompt, chatKey string) (string, error)
	AskWithAttachment(ctx context.Context, data []byte, mediaType, prompt, chatKey string) (string, error)
	ResetSession(ctx context.Context, chatKey string) error
}

// Config for the bot.
type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Bot polls Telegram and routes each message through the assistant.
type Bot struct {
	cfg       Config
	assistant Assistant
	catalog   *i18n.Catalog
	logger    *slog.Logger
	api       *tgbotapi.BotAPI
	sender    sender
	http      *http.Client
	sleep     func(time.Duration)
}

// New creates a Bot. The Telegram connection is made in Run.
func New(cfg Config, assistant Assistant, catalog *i18n.Catalog, logger *slog.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if assistant == nil {
		return nil, fmt.Errorf("assistant is required")
	}
	if catalog == nil {
		catalog = i18n.New("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Bot{
		cfg:       cfg,
		assistant: assistant,
		catalog:   catalog,
		logger:    logger,
		http:      &http.Client{Timeout: 60 * time.Second},
		sleep:     time.Sleep,
	}, nil
}

// chatKey derives the session key from the Telegram chat identity.
func chatKey(chatID int64) string {
	return fmt.Sprintf("tg:%d", chatID)
}

// Run connects and polls until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	api, err := tgbotapi.NewBotAPI(b.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	b.api = api
	b.sender = api
	b.logger.Info("telegram bot connected", "username", api.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(b.cfg.PollTimeout.Seconds())
	updates := api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("telegram polling stopping")
			api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID

	switch {
	case msg.IsCommand():
		b.handleCommand(ctx, chatID, msg)
	case msg.Document != nil:
		b.handleDocument(ctx, chatID, msg)
	case len(msg.Photo) > 0:
		b.handlePhoto(ctx, chatID, msg)
	case strings.TrimSpace(msg.Text) != "":
		b.handleText(ctx, chatID, strings.TrimSpace(msg.Text))
	case msg.Sticker != nil || msg.Video != nil || msg.Animation != nil || msg.Voice != nil:
		b.send(chatID, b.catalog.T("bot.unsupported_media"))
	}
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "new", "start":
		if err := b.assistant.ResetSession(ctx, chatKey(chatID)); err != nil {
			b.logger.Error("session reset failed", "chat_id", chatID, "error", err)
			b.send(chatID, b.catalog.T("bot.internal_error"))
			return
		}
		b.send(chatID, b.catalog.T("bot.new_session"))
	default:
		// Unknown commands go through the loop as ordinary text.
		b.handleText(ctx, chatID, msg.Text)
	}
}

func (b *Bot) handleText(ctx context.Context, chatID int64, text string) {
	b.typing(chatID)

	answer, err := b.assistant.Ask(ctx, text, chatKey(chatID))
	if err != nil {
		b.logger.Error("turn failed", "chat_id", chatID, "error", err)
	}
	if strings.TrimSpace(answer) == "" {
		return
	}
	b.send(chatID, answer)
}

func (b *Bot) handleDocument(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	doc := msg.Document
	if doc.MimeType != "application/pdf" {
		b.send(chatID, b.catalog.T("bot.unsupported_media"))
		return
	}
	if doc.FileSize > maxFileSize {
		b.send(chatID, b.catalog.T("bot.unsupported_media"))
		return
	}
	b.typing(chatID)

	data, err := b.download(ctx, doc.FileID)
	if err != nil {
		b.logger.Error("pdf download failed", "chat_id", chatID, "error", err)
		b.send(chatID, b.catalog.T("fallback.file"))
		return
	}

	answer, err := b.assistant.AskWithAttachment(ctx, data, "application/pdf",
		b.catalog.T("prompt.pdf"), chatKey(chatID))
	if err != nil {
		b.logger.Error("pdf turn failed", "chat_id", chatID, "error", err)
	}
	b.send(chatID, answer)
}

func (b *Bot) handlePhoto(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	b.typing(chatID)

	// Telegram sends multiple resolutions; the last is the largest.
	photo := msg.Photo[len(msg.Photo)-1]

	data, err := b.download(ctx, photo.FileID)
	if err != nil {
		b.logger.Error("photo download failed", "chat_id", chatID, "error", err)
		b.send(chatID, b.catalog.T("fallback.file"))
		return
	}

	caption := strings.TrimSpace(msg.Caption)
	if caption == "" {
		caption = b.catalog.T("prompt.photo.default_caption")
	}
	prompt := b.catalog.Sprintf("prompt.photo", caption)

	answer, err := b.assistant.AskWithAttachment(ctx, data, "image/jpeg", prompt, chatKey(chatID))
	if err != nil {
		b.logger.Error("photo turn failed", "chat_id", chatID, "error", err)
	}
	b.send(chatID, answer)
}

// download fetches a Telegram file with bounded retry.
func (b *Bot) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxDownloadRetries; attempt++ {
		data, err := b.fetch(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		b.logger.Warn("file download attempt failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, fmt.Errorf("download after %d attempts: %w", maxDownloadRetries, lastErr)
}

func (b *Bot) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFileSize))
}

func (b *Bot) typing(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := b.api.Request(action); err != nil {
		b.logger.Debug("typing action failed", "chat_id", chatID, "error", err)
	}
}

// splitMessage cuts text into chunks of at most limit bytes, preferring a
// newline near the end of the window and otherwise backing off to a rune
// boundary so no chunk carries invalid UTF-8.
func splitMessage(text string, limit int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= limit {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:limit], "\n")
		if cutAt < limit/2 {
			cutAt = limit
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				cutAt = limit
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// send delivers text in chunks under Telegram's message size limit,
// retrying transient failures with backoff. Answers are already plain
// text, so no parse mode is set. When a chunk cannot be delivered at all,
// the user gets a localized notice and the rest of the answer is dropped.
func (b *Bot) send(chatID int64, text string) {
	for _, chunk := range splitMessage(text, maxMsgLen) {
		if err := b.sendChunk(chatID, chunk); err != nil {
			b.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
			b.notifySendError(chatID)
			return
		}
	}
}

func (b *Bot) notifySendError(chatID int64) {
	msg := tgbotapi.NewMessage(chatID, b.catalog.T("bot.send_error"))
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Debug("send failure notice undeliverable", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) sendChunk(chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		_, err := b.sender.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < maxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			if strings.Contains(err.Error(), "Too Many Requests") {
				backoff *= 3
			}
			b.logger.Warn("telegram send error, retrying", "error", err, "backoff", backoff)
			b.sleep(backoff)
		}
	}
	return lastErr
}

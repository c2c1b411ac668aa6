// Package telegram connects a channel plugin to the Telegram Bot API via
// long polling.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/gofer-dev/gofer/internal/bus"
	"github.com/gofer-dev/gofer/internal/channels"
	"github.com/gofer-dev/gofer/internal/config"
)

// messageLimit is Telegram's maximum message length.
const messageLimit = 4096

// mediaMaxBytes is the Bot API download ceiling.
const mediaMaxBytes int64 = 20 * 1024 * 1024

// Channel is the Telegram adapter.
type Channel struct {
	channels.BasePlugin
	bot   *telego.Bot
	token string

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds the adapter from its channel config section.
func New(id string, cfg config.ChannelConfig) (*Channel, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram: botToken is required")
	}
	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{
		BasePlugin: channels.NewBasePlugin(id, "telegram", cfg.DMPolicy, cfg.AllowFrom),
		bot:        bot,
		token:      cfg.BotToken,
	}, nil
}

// Start begins long polling. It returns once the updates stream is open; the
// receive loop runs until Stop cancels it.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}
	slog.Info("telegram bot connected", "channel", c.ID(), "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the receive loop so Telegram releases
// the getUpdates lock before any restart.
func (c *Channel) Stop(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram: polling loop did not exit in time", "channel", c.ID())
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	senderID := ""
	senderName := ""
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
		senderName = msg.From.FirstName
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	inbound := bus.InboundMessage{
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		MessageID:  strconv.Itoa(msg.MessageID),
	}
	if msg.ReplyToMessage != nil {
		inbound.ReplyTo = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	// Photos arrive in ascending resolutions; take the largest.
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		if path, err := c.downloadFile(ctx, photo.FileID); err == nil {
			inbound.Media = append(inbound.Media, path)
		} else {
			slog.Warn("telegram: photo download failed", "file_id", photo.FileID, "error", err)
		}
	}

	if inbound.Text == "" && len(inbound.Media) == 0 {
		return
	}
	if err := c.Deliver(inbound); err != nil {
		slog.Debug("telegram: message dropped", "chat", inbound.ChatID, "error", err)
	}
}

// Send delivers text (chunked to the platform limit) and media attachments.
func (c *Channel) Send(ctx context.Context, msg channels.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", msg.ChatID, err)
	}
	id := tu.ID(chatID)

	for _, chunk := range channels.SplitMessage(msg.Text, messageLimit) {
		if chunk == "" {
			continue
		}
		params := tu.Message(id, chunk)
		if msg.ReplyTo != "" {
			if replyID, err := strconv.Atoi(msg.ReplyTo); err == nil {
				params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
			}
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}

	for _, media := range msg.Media {
		if err := c.sendMedia(ctx, id, media); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) sendMedia(ctx context.Context, id telego.ChatID, media bus.MediaAttachment) error {
	f, err := os.Open(media.URL)
	if err != nil {
		return fmt.Errorf("telegram: open media %s: %w", media.URL, err)
	}
	defer f.Close()

	file := tu.File(tu.NameReader(f, filepath.Base(media.URL)))
	caption := channels.TrimCaption(media.Caption)

	if media.Kind == bus.MediaImage {
		params := tu.Photo(id, file)
		params.Caption = caption
		if _, err := c.bot.SendPhoto(ctx, params); err != nil {
			return fmt.Errorf("telegram: send photo: %w", err)
		}
		return nil
	}
	params := tu.Document(id, file)
	params.Caption = caption
	if _, err := c.bot.SendDocument(ctx, params); err != nil {
		return fmt.Errorf("telegram: send document: %w", err)
	}
	return nil
}

// downloadFile fetches a Telegram file to a temp path.
func (c *Channel) downloadFile(ctx context.Context, fileID string) (string, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for %s", fileID)
	}
	if int64(file.FileSize) > mediaMaxBytes {
		return "", fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "gofer_media_*"+ext)
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, io.LimitReader(resp.Body, mediaMaxBytes)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save download: %w", err)
	}
	return tmp.Name(), nil
}

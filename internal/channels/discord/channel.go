// Package discord connects a channel plugin to the Discord gateway.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bwmarrin/discordgo"

	"github.com/gofer-dev/gofer/internal/bus"
	"github.com/gofer-dev/gofer/internal/channels"
	"github.com/gofer-dev/gofer/internal/config"
)

// messageLimit is Discord's maximum message length.
const messageLimit = 2000

// Channel is the Discord adapter.
type Channel struct {
	channels.BasePlugin
	session *discordgo.Session
}

// New builds the adapter from its channel config section.
func New(id string, cfg config.ChannelConfig) (*Channel, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("discord: botToken is required")
	}
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	c := &Channel{
		BasePlugin: channels.NewBasePlugin(id, "discord", cfg.DMPolicy, cfg.AllowFrom),
		session:    session,
	}
	session.AddHandler(c.onMessageCreate)
	return c, nil
}

// Start opens the gateway connection.
func (c *Channel) Start(_ context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	slog.Info("discord bot connected", "channel", c.ID(), "user", c.session.State.User.Username)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	return c.session.Close()
}

func (c *Channel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore our own messages and other bots.
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	inbound := bus.InboundMessage{
		ChatID:     m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Text:       m.Content,
		MessageID:  m.ID,
	}
	if m.MessageReference != nil {
		inbound.ReplyTo = m.MessageReference.MessageID
	}
	for _, att := range m.Attachments {
		inbound.Media = append(inbound.Media, att.URL)
	}

	if inbound.Text == "" && len(inbound.Media) == 0 {
		return
	}
	if err := c.Deliver(inbound); err != nil {
		slog.Debug("discord: message dropped", "chat", inbound.ChatID, "error", err)
	}
}

// Send delivers text (chunked to the platform limit) and file attachments.
func (c *Channel) Send(_ context.Context, msg channels.OutboundMessage) error {
	for _, chunk := range channels.SplitMessage(msg.Text, messageLimit) {
		if chunk == "" {
			continue
		}
		send := &discordgo.MessageSend{Content: chunk}
		if msg.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{
				MessageID: msg.ReplyTo,
				ChannelID: msg.ChatID,
			}
		}
		if _, err := c.session.ChannelMessageSendComplex(msg.ChatID, send); err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}

	for _, media := range msg.Media {
		if err := c.sendMedia(msg.ChatID, media); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) sendMedia(chatID string, media bus.MediaAttachment) error {
	f, err := os.Open(media.URL)
	if err != nil {
		return fmt.Errorf("discord: open media %s: %w", media.URL, err)
	}
	defer f.Close()

	send := &discordgo.MessageSend{
		Content: channels.TrimCaption(media.Caption),
		Files: []*discordgo.File{{
			Name:   filepath.Base(media.URL),
			Reader: f,
		}},
	}
	if _, err := c.session.ChannelMessageSendComplex(chatID, send); err != nil {
		return fmt.Errorf("discord: send file: %w", err)
	}
	return nil
}

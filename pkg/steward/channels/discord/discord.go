// Package discord implements the Discord surface for steward using
// discordgo.
//
// Features:
//   - Send/receive text, send images and documents
//   - Typing indicators
//   - Reactions (emoji)
//   - Guild and channel allowlists
//   - DM/mention detection so directed messages skip triage
//   - Automatic reconnection via discordgo's gateway
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/voxhall/steward/pkg/steward/channels"
)

// Config holds Discord channel configuration.
type Config struct {
	// Enabled turns the Discord surface on/off.
	Enabled bool `yaml:"enabled"`

	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild (server) IDs the bot observes.
	// Empty means all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot observes.
	// Empty means all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// RespondToThreads enables observing messages inside threads.
	RespondToThreads bool `yaml:"respond_to_threads"`

	// SendTyping sends "typing..." indicators while processing.
	SendTyping bool `yaml:"send_typing"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RespondToThreads: true,
		SendTyping:       true,
	}
}

// Discord implements channels.Channel, channels.MediaChannel,
// channels.PresenceChannel, and channels.ReactionChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// messages carries incoming messages to the aggregate stream.
	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	close(d.messages)
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends a text message to the specified channel, splitting content
// over Discord's 2000 character limit when needed.
func (d *Discord) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}

	content := message.Content
	if len(content) <= 2000 {
		msgSend := &discordgo.MessageSend{Content: content}
		if message.ReplyTo != "" {
			msgSend.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo}
		}
		_, err := d.session.ChannelMessageSendComplex(to, msgSend)
		return err
	}

	for i, chunk := range splitMessage(content, 2000) {
		msgSend := &discordgo.MessageSend{Content: chunk}
		if i == 0 && message.ReplyTo != "" {
			msgSend.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo}
		}
		if _, err := d.session.ChannelMessageSendComplex(to, msgSend); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// SendMedia sends a file attachment to the specified channel.
func (d *Discord) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	if len(media.Data) == 0 {
		return fmt.Errorf("discord: no media data")
	}

	filename := media.Filename
	if filename == "" {
		filename = "file"
	}

	msgSend := &discordgo.MessageSend{
		Files: []*discordgo.File{
			{Name: filename, ContentType: media.MimeType, Reader: bytes.NewReader(media.Data)},
		},
	}
	if media.Caption != "" {
		msgSend.Content = media.Caption
	}
	if media.ReplyTo != "" {
		msgSend.Reference = &discordgo.MessageReference{MessageID: media.ReplyTo}
	}

	_, err := d.session.ChannelMessageSendComplex(to, msgSend)
	return err
}

// SendTyping sends a typing indicator to the channel.
func (d *Discord) SendTyping(ctx context.Context, to string) error {
	if d.session == nil || !d.cfg.SendTyping {
		return nil
	}
	return d.session.ChannelTyping(to)
}

// SendReaction adds a reaction emoji to a message. A reaction that is
// already present surfaces as channels.ErrReactionConflict so callers
// can swallow it without treating it as a failure.
func (d *Discord) SendReaction(ctx context.Context, chatID, messageID, emoji string) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	err := d.session.MessageReactionAdd(chatID, messageID, emoji)
	if err == nil {
		return nil
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == 400 {
		return channels.ErrReactionConflict
	}
	return err
}

// onMessageCreate forwards Discord messages into the incoming stream.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if !d.allowedSource(m) {
		return
	}

	isGroup := m.GuildID != ""
	content, mentioned := stripBotMention(m, s.State.User.ID)

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   isGroup,
		Directed:  !isGroup || mentioned,
		Type:      channels.MessageText,
		Content:   content,
		Timestamp: m.Timestamp,
	}
	if m.ReferencedMessage != nil {
		incoming.ReplyTo = m.ReferencedMessage.ID
	}

	d.lastMsg.Store(time.Now())
	d.errorCount.Store(0)

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// allowedSource applies the guild and channel allowlists.
func (d *Discord) allowedSource(m *discordgo.MessageCreate) bool {
	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !contains(d.cfg.AllowedGuilds, m.GuildID) {
		return false
	}
	if len(d.cfg.AllowedChannels) > 0 && !contains(d.cfg.AllowedChannels, m.ChannelID) {
		return false
	}
	return true
}

// stripBotMention removes a leading mention of the bot and reports
// whether the bot was mentioned anywhere in the message.
func stripBotMention(m *discordgo.MessageCreate, botID string) (string, bool) {
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == botID {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return m.Content, false
	}

	content := m.Content
	for _, prefix := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		content = strings.ReplaceAll(content, prefix, "")
	}
	return strings.TrimSpace(content), true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// splitMessage splits content into chunks of at most limit bytes,
// preferring line boundaries.
func splitMessage(content string, limit int) []string {
	var chunks []string
	for len(content) > limit {
		cut := strings.LastIndex(content[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, content[:cut])
		content = strings.TrimLeft(content[cut:], "\n")
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}

// Package channels defines the interfaces and types for steward
// communication surfaces. Each surface (Discord, terminal) implements
// the Channel interface to receive and send messages in a unified way.
package channels

import (
	"context"
	"fmt"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
	MessageReaction MessageType = "reaction"
)

// Channel defines the interface that every communication surface must
// implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to the specified recipient.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// MediaChannel extends Channel with media capabilities.
type MediaChannel interface {
	Channel

	// SendMedia sends a media message (image or document).
	SendMedia(ctx context.Context, to string, media *MediaMessage) error
}

// PresenceChannel extends Channel with typing indicators.
type PresenceChannel interface {
	Channel

	// SendTyping sends a "typing..." indicator to the recipient.
	SendTyping(ctx context.Context, to string) error
}

// ReactionChannel extends Channel with message reaction support.
type ReactionChannel interface {
	Channel

	// SendReaction adds a reaction emoji to a specific message.
	SendReaction(ctx context.Context, chatID, messageID, emoji string) error
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "discord").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the group or DM identifier.
	ChatID string

	// IsGroup indicates whether the message came from a shared space
	// rather than a direct conversation.
	IsGroup bool

	// Directed indicates the assistant was explicitly addressed
	// (DM or mention), so triage is skipped.
	Directed bool

	// Type is the message content type.
	Type MessageType

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// ReplyTo contains the ID of the message being replied to.
	ReplyTo string

	// Metadata contains additional channel-specific data.
	Metadata map[string]any
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string

	// Metadata contains additional channel-specific data.
	Metadata map[string]any
}

// MediaMessage represents a media file to be sent.
type MediaMessage struct {
	// Type is the media type (image or document).
	Type MessageType

	// Data is the raw media bytes.
	Data []byte

	// MimeType is the MIME type (e.g. "image/png").
	MimeType string

	// Filename is the suggested filename (for documents).
	Filename string

	// Caption is the text accompanying the media.
	Caption string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrMediaNotSupported   = fmt.Errorf("media not supported by this channel")
	ErrReactionConflict    = fmt.Errorf("reaction already present")
)

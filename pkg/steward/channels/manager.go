// manager.go coordinates multiple communication channels, aggregating
// incoming messages into a single stream and routing outgoing messages
// to the right surface.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager aggregates registered channels behind one message stream.
type Manager struct {
	channels map[string]Channel

	// messages is the aggregate stream fed by every connected channel.
	messages chan *IncomingMessage

	logger *slog.Logger

	// listenWg tracks listener goroutines for clean shutdown.
	listenWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects all registered channels and begins listening. A
// channel that fails to connect is logged and skipped; Start fails only
// when channels were registered and none connected.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no channels registered, running without message surfaces")
		return nil
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("channel connect failed", "channel", name, "error", err)
			continue
		}

		connected++
		m.logger.Info("channel connected", "channel", name)

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listenChannel(c)
		}(ch)
	}

	if connected == 0 {
		return fmt.Errorf("no channel connected successfully")
	}
	return nil
}

// Stop disconnects all channels, which ends their receive streams and
// lets the listeners drain, then closes the aggregate stream.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Error("channel disconnect failed", "channel", name, "error", err)
		}
	}
	m.mu.RUnlock()

	m.listenWg.Wait()
	close(m.messages)
	m.logger.Info("channel manager stopped")
}

// Messages returns the aggregate stream of incoming messages.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Send delivers a message through the named channel.
func (m *Manager) Send(ctx context.Context, channelName, to string, msg *OutgoingMessage) error {
	ch, err := m.lookup(channelName)
	if err != nil {
		return err
	}
	return ch.Send(ctx, to, msg)
}

// SendMedia delivers a media message through the named channel, when it
// supports media.
func (m *Manager) SendMedia(ctx context.Context, channelName, to string, media *MediaMessage) error {
	ch, err := m.lookup(channelName)
	if err != nil {
		return err
	}
	mc, ok := ch.(MediaChannel)
	if !ok {
		return ErrMediaNotSupported
	}
	return mc.SendMedia(ctx, to, media)
}

// SendReaction adds a reaction through the named channel, when it
// supports reactions.
func (m *Manager) SendReaction(ctx context.Context, channelName, chatID, messageID, emoji string) error {
	ch, err := m.lookup(channelName)
	if err != nil {
		return err
	}
	rc, ok := ch.(ReactionChannel)
	if !ok {
		return fmt.Errorf("channel %q does not support reactions", channelName)
	}
	return rc.SendReaction(ctx, chatID, messageID, emoji)
}

// SendTyping signals a typing indicator when the channel supports it.
func (m *Manager) SendTyping(ctx context.Context, channelName, to string) {
	ch, err := m.lookup(channelName)
	if err != nil {
		return
	}
	if pc, ok := ch.(PresenceChannel); ok {
		_ = pc.SendTyping(ctx, to)
	}
}

// Channel returns a registered channel by name.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// HealthAll returns the health status of every registered channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		statuses[name] = ch.Health()
	}
	return statuses
}

func (m *Manager) lookup(name string) (Channel, error) {
	m.mu.RLock()
	ch, exists := m.channels[name]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("channel %q not found", name)
	}
	if !ch.IsConnected() {
		return nil, fmt.Errorf("channel %q: %w", name, ErrChannelDisconnected)
	}
	return ch, nil
}

// listenChannel forwards one channel's messages into the aggregate
// stream until the channel closes or the manager stops.
func (m *Manager) listenChannel(ch Channel) {
	for msg := range ch.Receive() {
		select {
		case m.messages <- msg:
		case <-m.ctx.Done():
			return
		}
	}
}

// Package assistant – blockstream.go implements progressive message
// delivery for channels. Instead of waiting for the full response, text
// is coalesced into blocks and sent as they become available, giving
// the user near-real-time feedback.
//
// Coalescing rules:
//   - Wait until at least MinChars are accumulated.
//   - Flush when MaxChars is reached or the idle timer fires.
//   - Always try to flush at a natural boundary (newline, sentence end).
package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voxhall/steward/pkg/steward/channels"
)

// BlockStreamConfig configures progressive message delivery.
type BlockStreamConfig struct {
	// Enabled turns block streaming on/off.
	Enabled bool `yaml:"enabled"`

	// MinChars is the minimum characters to accumulate before sending a
	// block. Kept high enough to avoid tiny fragments as separate messages.
	MinChars int `yaml:"min_chars"`

	// MaxChars is the maximum characters per block before a forced flush.
	MaxChars int `yaml:"max_chars"`

	// IdleMs flushes whatever is buffered when no new text arrives
	// within this window.
	IdleMs int `yaml:"idle_ms"`
}

// DefaultBlockStreamConfig returns defaults tuned for chat UX: each
// flush is a new message, so coherent paragraphs beat low latency.
func DefaultBlockStreamConfig() BlockStreamConfig {
	return BlockStreamConfig{
		Enabled:  true,
		MinChars: 200,
		MaxChars: 1500,
		IdleMs:   1500,
	}
}

// Effective returns a copy with defaults filled in for zero values.
func (c BlockStreamConfig) Effective() BlockStreamConfig {
	out := c
	if out.MinChars <= 0 {
		out.MinChars = 200
	}
	if out.MaxChars <= 0 {
		out.MaxChars = 1500
	}
	if out.IdleMs <= 0 {
		out.IdleMs = 1500
	}
	return out
}

// idleMinChars is the minimum buffer size for an idle flush. When the
// model pauses briefly mid-sentence, sending a fragment like "(see,"
// as its own message reads badly; below this size the idle timer
// reschedules instead of flushing.
const idleMinChars = 80

// BlockStreamer accumulates streamed text and sends it progressively
// through a channel. It is tied to a single exchange (one user message,
// one assistant response).
type BlockStreamer struct {
	cfg        BlockStreamConfig
	channelMgr *channels.Manager
	channel    string
	chatID     string
	replyTo    string

	mu      sync.Mutex
	buf     strings.Builder
	done    bool
	flushed bool

	idleTimer *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewBlockStreamer creates a streamer delivering to the given channel
// and chat.
func NewBlockStreamer(cfg BlockStreamConfig, channelMgr *channels.Manager, channel, chatID, replyTo string) *BlockStreamer {
	ctx, cancel := context.WithCancel(context.Background())
	return &BlockStreamer{
		cfg:        cfg.Effective(),
		channelMgr: channelMgr,
		channel:    channel,
		chatID:     chatID,
		replyTo:    replyTo,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run consumes an orchestrator event stream to completion, delivering
// text progressively and tool progress as transient notices. It returns
// the aggregate response carried by the terminal Done event.
func (bs *BlockStreamer) Run(events <-chan Event) (*Response, error) {
	for ev := range events {
		switch v := ev.(type) {
		case TextEvent:
			bs.Write(v.Chunk)
		case ToolStartEvent:
			// Flush buffered text so the user sees the lead-in before
			// the tool runs, then show progress while it does.
			bs.FlushNow()
			bs.channelMgr.SendTyping(bs.ctx, bs.channel, bs.chatID)
		case ToolEndEvent:
			if v.IsError {
				bs.notice(fmt.Sprintf("⚠️ `%s` failed", SanitizeForMarkdown(v.Name)))
			}
		case RetryEvent:
			// Transparent to the user; typing keeps the conversation alive.
			bs.channelMgr.SendTyping(bs.ctx, bs.channel, bs.chatID)
		case DoneEvent:
			bs.Finish()
			return v.Response, nil
		case ErrorEvent:
			bs.Finish()
			return nil, v.Err
		}
	}
	bs.Finish()
	return nil, fmt.Errorf("event stream ended without terminal event")
}

// Write appends one text chunk, flushing when the buffer fills.
func (bs *BlockStreamer) Write(chunk string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.done {
		return
	}

	bs.buf.WriteString(chunk)
	bs.resetIdleTimer()

	if bs.buf.Len() >= bs.cfg.MaxChars {
		bs.flushLocked()
	}
}

// FlushNow immediately sends any buffered text regardless of the
// MinChars threshold.
func (bs *BlockStreamer) FlushNow() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.done || bs.buf.Len() == 0 {
		return
	}
	if bs.idleTimer != nil {
		bs.idleTimer.Stop()
	}
	bs.flushLocked()
}

// Finish flushes any remaining buffer and marks the streamer done.
// Idempotent.
func (bs *BlockStreamer) Finish() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.done {
		return
	}
	bs.done = true
	if bs.idleTimer != nil {
		bs.idleTimer.Stop()
	}

	// Flush before cancelling: the send uses bs.ctx, and cancelling
	// first would silently drop the final block.
	if bs.buf.Len() > 0 {
		bs.flushLocked()
	}
	bs.cancel()
}

// HasSentBlocks reports whether at least one block was delivered.
func (bs *BlockStreamer) HasSentBlocks() bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.flushed
}

// notice sends a transient status line outside the coalescing buffer.
func (bs *BlockStreamer) notice(text string) {
	_ = bs.channelMgr.Send(bs.ctx, bs.channel, bs.chatID, &channels.OutgoingMessage{
		Content: text,
		ReplyTo: bs.replyTo,
	})
}

// resetIdleTimer restarts the idle flush timer. Must be called with mu
// held. When the model pauses (tool call, thinking), the timer fires
// and flushes whatever is buffered so the user sees progress.
func (bs *BlockStreamer) resetIdleTimer() {
	if bs.idleTimer != nil {
		bs.idleTimer.Stop()
	}

	idle := time.Duration(bs.cfg.IdleMs) * time.Millisecond
	bs.idleTimer = time.AfterFunc(idle, func() {
		bs.mu.Lock()
		defer bs.mu.Unlock()

		if bs.done || bs.buf.Len() == 0 {
			return
		}

		// A tiny buffer means the model paused mid-sentence; wait one
		// more window for a coherent block.
		if bs.buf.Len() < idleMinChars {
			bs.idleTimer = time.AfterFunc(idle, func() {
				bs.mu.Lock()
				defer bs.mu.Unlock()
				if !bs.done && bs.buf.Len() > 0 {
					bs.flushLocked()
				}
			})
			return
		}

		bs.flushLocked()
	})
}

// flushLocked sends the current buffer as one message block. Must be
// called with mu held.
func (bs *BlockStreamer) flushLocked() {
	text := bs.buf.String()
	if strings.TrimSpace(text) == "" {
		return
	}

	sendText := text
	remainder := ""

	// Mid-stream, prefer breaking at a natural boundary and keep the
	// tail buffered for the next block.
	if len(text) > bs.cfg.MinChars && !bs.done {
		breakIdx := findNaturalBreak(text, bs.cfg.MinChars, bs.cfg.MaxChars)
		if breakIdx > 0 && breakIdx < len(text) {
			sendText = text[:breakIdx]
			remainder = text[breakIdx:]
		}
	}

	sendText = FormatForChannel(sendText, bs.channel)
	if strings.TrimSpace(sendText) == "" {
		return
	}

	msg := &channels.OutgoingMessage{
		Content: strings.TrimSpace(sendText),
		ReplyTo: bs.replyTo,
	}
	if err := bs.channelMgr.Send(bs.ctx, bs.channel, bs.chatID, msg); err != nil {
		// Send errors during streaming are not fatal; the caller falls
		// back to sending the complete reply.
		return
	}

	bs.flushed = true
	bs.buf.Reset()
	if remainder != "" {
		bs.buf.WriteString(remainder)
	}
}

// findNaturalBreak finds a good break point between minIdx and maxIdx.
// Prefers paragraph breaks, then line breaks, then sentence ends, then
// word boundaries.
func findNaturalBreak(text string, minIdx, maxIdx int) int {
	if maxIdx > len(text) {
		maxIdx = len(text)
	}
	if minIdx >= maxIdx {
		return maxIdx
	}

	region := text[minIdx:maxIdx]

	if idx := strings.LastIndex(region, "\n\n"); idx >= 0 {
		return minIdx + idx + 2
	}
	if idx := strings.LastIndex(region, "\n"); idx >= 0 {
		return minIdx + idx + 1
	}
	for i := len(region) - 1; i >= 0; i-- {
		ch := region[i]
		if (ch == '.' || ch == '!' || ch == '?') && i+1 < len(region) && region[i+1] == ' ' {
			return minIdx + i + 2
		}
	}
	if idx := strings.LastIndex(region, " "); idx >= 0 {
		return minIdx + idx + 1
	}
	return maxIdx
}

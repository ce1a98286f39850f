// Package cliadapter is the line-oriented terminal adapter: stdin lines
// become observed messages, outbound sends are printed to stdout. It is
// the reference Adapter implementation and the default interactive
// front-end.
package cliadapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/clock"
	"github.com/ciriscore/agentcore/internal/observer"
)

// DefaultChannel is the channel id all terminal traffic flows through.
const DefaultChannel = "cli"

// historyLimit bounds the per-channel message history kept for
// FetchMessages.
const historyLimit = 100

// Adapter implements adapter.Adapter over a reader/writer pair
// (stdin/stdout in production, buffers in tests).
type Adapter struct {
	logger   *zap.Logger
	clock    clock.Clock
	in       io.Reader
	out      io.Writer
	observer *observer.Observer
	userID   string

	mu      sync.Mutex
	history map[string][]observer.IncomingMessage
	stopped bool
}

// New creates a CLI adapter feeding obs. userID names the human on the
// terminal.
func New(logger *zap.Logger, clk clock.Clock, in io.Reader, out io.Writer, obs *observer.Observer, userID string) *Adapter {
	return &Adapter{
		logger:   logger,
		clock:    clk,
		in:       in,
		out:      out,
		observer: obs,
		userID:   userID,
		history:  make(map[string][]observer.IncomingMessage),
	}
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return "cli" }

// Start launches the stdin read loop. It returns immediately; the loop
// runs until ctx is cancelled or the input stream closes.
func (a *Adapter) Start(ctx context.Context) error {
	go a.readLoop(ctx)
	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		msg := observer.IncomingMessage{
			ID:         uuid.NewString(),
			AuthorID:   a.userID,
			AuthorName: a.userID,
			ChannelID:  DefaultChannel,
			Content:    line,
			Timestamp:  a.clock.Now(),
		}
		a.remember(msg)

		if err := a.observer.HandleIncoming(msg); err != nil {
			a.logger.Warn("cli message dropped", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("cli input closed with error", zap.Error(err))
	}
}

// Stop implements adapter.Adapter.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	return nil
}

// SendMessage prints content to the terminal, prefixed with its channel
// when it isn't the default one.
func (a *Adapter) SendMessage(channelID, content string) (bool, error) {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return false, nil
	}

	var err error
	if channelID == DefaultChannel || channelID == "" {
		_, err = fmt.Fprintln(a.out, content)
	} else {
		_, err = fmt.Fprintf(a.out, "[%s] %s\n", channelID, content)
	}
	if err != nil {
		return false, fmt.Errorf("cliadapter: write: %w", err)
	}
	return true, nil
}

// FetchMessages returns up to limit recent messages seen on channelID,
// newest last.
func (a *Adapter) FetchMessages(channelID string, limit int) ([]observer.IncomingMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	msgs := a.history[channelID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]observer.IncomingMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (a *Adapter) remember(msg observer.IncomingMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := append(a.history[msg.ChannelID], msg)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	a.history[msg.ChannelID] = h
}

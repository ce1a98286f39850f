// Package natsadapter carries adapter traffic over NATS subjects, with an
// optional embedded server for deployments without an external broker.
// Inbound messages arrive on agent.<channel>.inbound; outbound sends
// publish to agent.<channel>.outbound.
package natsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	nc "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/clock"
	"github.com/ciriscore/agentcore/internal/observer"
)

// Subject patterns for adapter traffic.
const (
	// SubjectInbound is the pattern messages for the agent arrive on.
	SubjectInbound = "agent.%s.inbound"
	// SubjectOutbound is the pattern the agent's replies publish to.
	SubjectOutbound = "agent.%s.outbound"
	// SubjectAllInbound subscribes to every channel's inbound traffic.
	SubjectAllInbound = "agent.*.inbound"
)

// wireMessage is the JSON frame carried on the wire.
type wireMessage struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	ChannelID  string    `json:"channel_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsBot      bool      `json:"is_bot,omitempty"`
	ReplyToID  string    `json:"reply_to_id,omitempty"`
}

// Config controls the adapter's connection and the optional embedded
// server.
type Config struct {
	// URL of an external NATS server. Ignored when Embedded is true.
	URL string
	// Embedded starts an in-process nats-server on Port.
	Embedded bool
	Port     int
	ClientID string
}

// Adapter implements adapter.Adapter over NATS.
type Adapter struct {
	cfg      Config
	logger   *zap.Logger
	clock    clock.Clock
	observer *observer.Observer

	mu      sync.Mutex
	server  *natsserver.Server
	conn    *nc.Conn
	sub     *nc.Subscription
	history map[string][]observer.IncomingMessage
}

// historyLimit bounds per-channel history kept for FetchMessages.
const historyLimit = 100

// New creates a NATS adapter feeding obs.
func New(cfg Config, logger *zap.Logger, clk clock.Clock, obs *observer.Observer) *Adapter {
	if cfg.ClientID == "" {
		cfg.ClientID = "agentcore"
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		observer: obs,
		history:  make(map[string][]observer.IncomingMessage),
	}
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return "nats" }

// Start boots the embedded server when configured, connects, and
// subscribes to all inbound subjects.
func (a *Adapter) Start(ctx context.Context) error {
	url := a.cfg.URL

	if a.cfg.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{
			Port:     a.cfg.Port,
			HTTPPort: -1,
			NoLog:    true,
			NoSigs:   true,
		})
		if err != nil {
			return fmt.Errorf("natsadapter: create embedded server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(5 * time.Second) {
			srv.Shutdown()
			return fmt.Errorf("natsadapter: embedded server failed to start in time")
		}
		a.mu.Lock()
		a.server = srv
		a.mu.Unlock()
		url = srv.ClientURL()
	}

	conn, err := nc.Connect(url,
		nc.Name(a.cfg.ClientID),
		nc.ReconnectWait(2*time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				a.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			a.logger.Info("nats reconnected", zap.String("url", conn.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("natsadapter: connect %s: %w", url, err)
	}

	sub, err := conn.Subscribe(SubjectAllInbound, a.handleInbound)
	if err != nil {
		conn.Close()
		return fmt.Errorf("natsadapter: subscribe inbound: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.sub = sub
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = a.Stop()
	}()
	return nil
}

func (a *Adapter) handleInbound(m *nc.Msg) {
	var wire wireMessage
	if err := json.Unmarshal(m.Data, &wire); err != nil {
		a.logger.Warn("undecodable inbound frame dropped", zap.String("subject", m.Subject), zap.Error(err))
		return
	}

	msg := observer.IncomingMessage{
		ID:         wire.ID,
		AuthorID:   wire.AuthorID,
		AuthorName: wire.AuthorName,
		ChannelID:  wire.ChannelID,
		Content:    wire.Content,
		Timestamp:  wire.Timestamp,
		IsBot:      wire.IsBot,
		ReplyToID:  wire.ReplyToID,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.clock.Now()
	}
	a.remember(msg)

	if err := a.observer.HandleIncoming(msg); err != nil {
		a.logger.Warn("nats message dropped", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// Stop unsubscribes, closes the connection, and shuts down the embedded
// server when present.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub != nil {
		_ = a.sub.Unsubscribe()
		a.sub = nil
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	return nil
}

// SendMessage publishes content to the channel's outbound subject.
func (a *Adapter) SendMessage(channelID, content string) (bool, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return false, fmt.Errorf("natsadapter: not connected")
	}

	frame := wireMessage{
		ID:        fmt.Sprintf("out-%d", a.clock.Now().UnixNano()),
		ChannelID: channelID,
		Content:   content,
		Timestamp: a.clock.Now(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return false, fmt.Errorf("natsadapter: marshal outbound frame: %w", err)
	}

	if err := conn.Publish(fmt.Sprintf(SubjectOutbound, channelID), data); err != nil {
		return false, fmt.Errorf("natsadapter: publish outbound: %w", err)
	}
	return true, nil
}

// FetchMessages returns up to limit recent inbound messages for channelID.
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

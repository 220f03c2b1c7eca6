package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for advancement hints.
const (
	SubjectAppends     = "ledgerline.appends"
	SubjectCheckpoints = "ledgerline.checkpoints"
)

// NATSConfig holds connection settings for the NATS notifier.
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns a config with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "ledgerline",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATS is a Notifier that fans hints out across processes. Publishing is
// fire-and-forget; a dropped message only delays a poller by one interval.
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATS connects to NATS with the given configuration.
func NewNATS(cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATS{conn: conn, logger: logger}, nil
}

// PublishAppend implements Notifier.
func (n *NATS) PublishAppend(hint AppendHint) {
	n.publish(SubjectAppends, hint)
}

// PublishCheckpoint implements Notifier.
func (n *NATS) PublishCheckpoint(hint CheckpointHint) {
	n.publish(SubjectCheckpoints, hint)
}

func (n *NATS) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.logger.Warn("marshal hint", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Warn("publish hint", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// SubscribeAppends implements Notifier.
func (n *NATS) SubscribeAppends(fn func(AppendHint)) func() {
	return n.subscribe(SubjectAppends, func(data []byte) {
		var hint AppendHint
		if err := json.Unmarshal(data, &hint); err != nil {
			n.logger.Warn("decode append hint", slog.String("error", err.Error()))
			return
		}
		fn(hint)
	})
}

// SubscribeCheckpoints implements Notifier.
func (n *NATS) SubscribeCheckpoints(fn func(CheckpointHint)) func() {
	return n.subscribe(SubjectCheckpoints, func(data []byte) {
		var hint CheckpointHint
		if err := json.Unmarshal(data, &hint); err != nil {
			n.logger.Warn("decode checkpoint hint", slog.String("error", err.Error()))
			return
		}
		fn(hint)
	})
}

func (n *NATS) subscribe(subject string, handle func([]byte)) func() {
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		handle(msg.Data)
	})
	if err != nil {
		n.logger.Warn("subscribe failed", slog.String("subject", subject), slog.String("error", err.Error()))
		return func() {}
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return func() {
		_ = sub.Unsubscribe()
	}
}

// Close implements Notifier.
func (n *NATS) Close() error {
	n.mu.Lock()
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
	n.mu.Unlock()
	n.conn.Close()
	return nil
}

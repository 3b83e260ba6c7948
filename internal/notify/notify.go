// Package notify fans orchestration events out to observers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/epubpress/courier/internal/model"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Notifier delivers a notification to some set of observers. Delivery is
// best effort: a notification with no listener is dropped.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}

// Multi sends every notification to each of its notifiers in order
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n model.Notification) {
	for _, notifier := range m {
		notifier.Notify(ctx, n)
	}
}

// NATSNotifier publishes notifications as JSON on a subject
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

// NewNATSNotifier connects to url and publishes on subject
func NewNATSNotifier(url, subject string, log *zap.Logger) (*NATSNotifier, error) {
	log = log.Named("notify.nats")
	conn, err := nats.Connect(url,
		nats.Name("epubpress-courier"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("NATS notifier initialized", zap.String("url", url), zap.String("subject", subject))
	return &NATSNotifier{conn: conn, subject: subject, log: log}, nil
}

func (n *NATSNotifier) Notify(_ context.Context, msg model.Notification) {
	data, err := json.Marshal(msg)
	if err != nil {
		n.log.Error("failed to marshal notification", zap.Error(err))
		return
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		n.log.Warn("failed to publish notification", zap.Error(err))
	}
}

// Close flushes pending messages and closes the connection
func (n *NATSNotifier) Close() error {
	return n.conn.Drain()
}

// Buffer keeps every notification in memory. Tests use it to observe what
// the orchestrator emitted.
type Buffer struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (b *Buffer) Notify(_ context.Context, n model.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, n)
}

// All returns a copy of the notifications received so far
func (b *Buffer) All() []model.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Notification(nil), b.sent...)
}

// Last returns the most recent notification
func (b *Buffer) Last() (model.Notification, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return model.Notification{}, false
	}
	return b.sent[len(b.sent)-1], true
}

// Reset forgets everything received
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = nil
}

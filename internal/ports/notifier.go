package ports

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogNotifier writes notifications to the structured log. The default
// backend when no delivery channel is wired up.
type LogNotifier struct {
	Log *logrus.Logger
}

func (n LogNotifier) Send(ctx context.Context, msg Notification) error {
	n.Log.WithFields(logrus.Fields{
		"kind":      msg.Kind,
		"channel":   msg.Channel,
		"recipient": msg.Recipient,
		"template":  msg.TemplateID,
		"instance":  msg.InstanceID,
		"task":      msg.TaskID,
	}).Info("notification")
	return nil
}

// MemoryNotifier captures notifications for inspection in tests.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) Send(ctx context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (n *MemoryNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]Notification, len(n.sent))
	copy(cp, n.sent)
	return cp
}

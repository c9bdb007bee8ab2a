// Package notify delivers user-facing alerts about scan outcomes.
//
// Delivery is fire-and-forget: a notifier that fails logs the failure and
// never propagates it into the scan pipeline.
package notify

import (
	"context"

	"filesentry/internal/logging"
)

// Priority is the urgency of a notification.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Notification is one user-facing message.
type Notification struct {
	Title    string
	Body     string
	Priority Priority
	Metadata map[string]string
}

// Notifier delivers notifications to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. It is the fallback when no
// desktop notification service is reachable.
type LogNotifier struct {
	log *logging.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *logging.Logger) *LogNotifier {
	return &LogNotifier{log: log.WithComponent("notify")}
}

// Notify logs the notification at a level matching its priority.
func (n *LogNotifier) Notify(_ context.Context, msg Notification) error {
	switch msg.Priority {
	case PriorityHigh:
		n.log.Warn(msg.Title, "body", msg.Body)
	default:
		n.log.Info(msg.Title, "body", msg.Body)
	}
	return nil
}

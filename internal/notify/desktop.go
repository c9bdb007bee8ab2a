package notify

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"filesentry/internal/logging"
)

// DesktopNotifier sends desktop notifications over the session bus using
// the org.freedesktop.Notifications interface.
type DesktopNotifier struct {
	conn *dbus.Conn
	log  *logging.Logger

	// fallback receives the notification when the bus call fails.
	fallback Notifier
}

// NewDesktopNotifier connects to the session bus. When no session bus is
// available (headless hosts, containers) it returns an error; callers
// typically fall back to the log notifier.
func NewDesktopNotifier(log *logging.Logger, fallback Notifier) (*DesktopNotifier, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &DesktopNotifier{
		conn:     conn,
		log:      log.WithComponent("notify"),
		fallback: fallback,
	}, nil
}

// Notify sends the notification via org.freedesktop.Notifications. Bus
// failures are logged and routed to the fallback, never returned as
// pipeline errors.
func (n *DesktopNotifier) Notify(ctx context.Context, msg Notification) error {
	urgency := byte(1)
	if msg.Priority == PriorityHigh {
		urgency = 2
	}
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(urgency),
	}

	obj := n.conn.Object("org.freedesktop.Notifications", "/org/freedesktop/Notifications")
	call := obj.CallWithContext(ctx, "org.freedesktop.Notifications.Notify", 0,
		"filesentry",   // app name
		uint32(0),      // replaces id
		"",             // icon
		msg.Title,
		msg.Body,
		[]string{},     // actions
		hints,
		int32(-1),      // expiration: server default
	)
	if call.Err != nil {
		n.log.Warn("desktop notification failed", "error", call.Err)
		if n.fallback != nil {
			return n.fallback.Notify(ctx, msg)
		}
	}
	return nil
}

// Close closes the bus connection.
func (n *DesktopNotifier) Close() error {
	return n.conn.Close()
}

package watchdog

import (
	"fmt"
	"net"
	"os"
)

// Liveness messages understood by service managers.
const (
	NotifyReady    = "READY=1"
	NotifyWatchdog = "WATCHDOG=1"
	NotifyStopping = "STOPPING=1"
)

// Status formats a free-text status message.
func Status(text string) string { return "STATUS=" + text }

// Notifier delivers liveness messages to an external process supervisor.
type Notifier interface {
	Notify(state string) error
}

// NopNotifier discards every message.
type NopNotifier struct{}

func (NopNotifier) Notify(string) error { return nil }

// SystemdNotifier speaks the sd_notify datagram protocol on the socket
// named by NOTIFY_SOCKET. Without a socket every call is a no-op.
type SystemdNotifier struct {
	socket string
}

// NewSystemdNotifier reads NOTIFY_SOCKET from the environment.
func NewSystemdNotifier() *SystemdNotifier {
	return &SystemdNotifier{socket: os.Getenv("NOTIFY_SOCKET")}
}

// NewSystemdNotifierAt targets an explicit socket path.
func NewSystemdNotifierAt(socket string) *SystemdNotifier {
	return &SystemdNotifier{socket: socket}
}

// Enabled reports whether a socket is configured.
func (n *SystemdNotifier) Enabled() bool { return n.socket != "" }

func (n *SystemdNotifier) Notify(state string) error {
	if n.socket == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", n.socket)
	if err != nil {
		return fmt.Errorf("sd_notify: dial %s: %w", n.socket, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("sd_notify: write: %w", err)
	}
	return nil
}

// Package systemd reports service state to systemd through sd_notify.
// Outside a systemd unit every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify states. The zero value talks to $NOTIFY_SOCKET.
type Notifier struct {
	// Send replaces daemon.SdNotify in tests.
	Send func(state string) (bool, error)
}

func (n Notifier) send(state string) error {
	send := n.Send
	if send == nil {
		send = func(s string) (bool, error) { return daemon.SdNotify(false, s) }
	}
	_, err := send(state)
	return err
}

func (n Notifier) Ready() error            { return n.send(daemon.SdNotifyReady) }
func (n Notifier) Stopping() error         { return n.send(daemon.SdNotifyStopping) }
func (n Notifier) Status(msg string) error { return n.send("STATUS=" + msg) }

// Watchdog pings the service watchdog at half its configured interval until
// ctx is done. It returns at once when no watchdog is configured.
func (n Notifier) Watchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := n.send(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}

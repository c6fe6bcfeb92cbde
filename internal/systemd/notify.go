// Package systemd reports service state to systemd through sd_notify.
//
// Outside a Type=notify unit NOTIFY_SOCKET is unset and every call is a
// no-op, so the node runs the same way from a shell.
package systemd

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends readiness, status and watchdog messages.
type Notifier struct {
	logger *slog.Logger
}

// NewNotifier creates a notifier logging failures to logger.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger}
}

func (n *Notifier) notify(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.logger.Warn("sd_notify failed", "state", state, "error", err)
	}
	return sent
}

// Ready tells systemd startup has finished.
func (n *Notifier) Ready() bool {
	return n.notify(daemon.SdNotifyReady)
}

// Stopping tells systemd shutdown has begun.
func (n *Notifier) Stopping() bool {
	return n.notify(daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(status string) bool {
	return n.notify("STATUS=" + status)
}

// Watchdog pings the service watchdog at half its interval until ctx is
// done. Pings are skipped while healthy reports false, letting systemd
// restart a node whose capture loop has wedged. It returns immediately when
// the unit has no WatchdogSec.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.logger.Warn("Watchdog configuration invalid", "error", err)
		return
	}
	if interval == 0 {
		return
	}

	n.logger.Debug("Watchdog enabled", "interval", interval)
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if healthy != nil && !healthy() {
				n.logger.Warn("Skipping watchdog ping, pipeline unhealthy")
				continue
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}

// Package systemd reports service state to systemd over the notify socket.
// Outside a Type=notify unit every call is a cheap no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "postsched/pkg/logx"
)

type Notifier struct {
	log    logx.Logger
	notify func(unsetEnv bool, state string) (bool, error)
	wd     func(unsetEnv bool) (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, notify: daemon.SdNotify, wd: daemon.SdWatchdogEnabled}
}

func (n *Notifier) send(state string) bool {
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready tells systemd startup finished.
func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

// Watchdog pings the systemd watchdog at half the configured interval while
// healthy reports true. It returns immediately when no watchdog is configured
// and otherwise runs until ctx is done.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := n.wd(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	tick := max(interval/2, time.Millisecond)
	n.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("skipping watchdog ping: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

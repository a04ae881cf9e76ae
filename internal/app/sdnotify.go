package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "mailwatch/pkg/logx"
)

// notifier reports service state to systemd. Outside systemd every call is
// a no-op.
type notifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
}

func newNotifier(log logx.Logger) *notifier {
	return &notifier{
		log:    log,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *notifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Watchdog pings at half the configured watchdog interval while healthy
// reports true. It returns immediately when the watchdog is disabled.
func (n *notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy == nil || healthy() {
				n.send(daemon.SdNotifyWatchdog)
			}
		}
	}
}

package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "modbot/internal/runtime/supervisor"
	logx "modbot/pkg/logx"
)

// notifier speaks the sd_notify protocol. Outside systemd (no NOTIFY_SOCKET)
// every call is a no-op.
type notifier struct {
	log  logx.Logger
	send func(state string) (bool, error)
	// watchdog returns the configured WATCHDOG_USEC interval (0 when off).
	watchdog func() (time.Duration, error)
}

func newNotifier(log logx.Logger) *notifier {
	return &notifier{
		log:      log,
		send:     func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *notifier) notify(state string) {
	sent, err := n.send(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

// start reports READY=1 and, when the unit has WatchdogSec set, pings the
// watchdog at half the interval until sup stops.
func (n *notifier) start(sup *rtsup.Supervisor) {
	n.notify(daemon.SdNotifyReady)

	every, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n.notify(daemon.SdNotifyWatchdog)
			}
		}
	})
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
}

func (n *notifier) stopping() { n.notify(daemon.SdNotifyStopping) }

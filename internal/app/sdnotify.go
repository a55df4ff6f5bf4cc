package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"bidwatch/internal/runtime/supervisor"
	logx "bidwatch/pkg/logx"
)

// notifyReady tells systemd the service is up and, when a watchdog is
// configured, keeps petting it at half the configured interval. Outside of
// systemd both calls are no-ops.
func notifyReady(sup *supervisor.Supervisor, log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
		return
	}
	if !sent {
		return
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("sd_notify stopping failed", logx.Err(err))
	}
}

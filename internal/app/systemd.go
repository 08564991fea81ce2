package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "delayd/pkg/logx"
)

// sd-notify integration is best-effort: outside systemd the calls are no-ops.

func notifyReady(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Debug("sd-notify ready failed", logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd-notify ready sent")
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("sd-notify stopping failed", logx.Err(err))
	}
}

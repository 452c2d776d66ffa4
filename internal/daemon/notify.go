package daemon

import (
	"log/slog"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
)

const (
	sdReady    = sddaemon.SdNotifyReady
	sdStopping = sddaemon.SdNotifyStopping
)

// notify sends a state notification to systemd via NOTIFY_SOCKET.
// Outside systemd it does nothing; failures are logged, not returned.
func notify(state string) {
	sent, err := sddaemon.SdNotify(false, state)
	if err != nil {
		slog.Warn("sd-notify failed", "state", state, "error", err)
		return
	}
	if sent {
		slog.Debug("sd-notify sent", "state", state)
	}
}

// Package systemd talks to the service manager over the sd_notify socket.
// Outside systemd every call is a no-op.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notify sends one sd_notify state string such as "READY=1".
func Notify(state string) {
	_, _ = daemon.SdNotify(false, state)
}

// WatchdogInterval returns the unit's WatchdogSec, or 0 when the service
// watchdog is not enabled for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

// CheckInterval reports whether health checks every interval keep the
// unit's watchdog fed. systemd expects a ping at least twice per WatchdogSec.
func CheckInterval(interval time.Duration) (ok bool, watchdogSec time.Duration) {
	wd := WatchdogInterval()
	if wd <= 0 {
		return true, 0
	}
	return interval <= wd/2, wd
}

package systemd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckIntervalOutsideSystemd(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")

	ok, wd := CheckInterval(time.Hour)
	assert.True(t, ok)
	assert.Zero(t, wd)
	assert.Zero(t, WatchdogInterval())
}

func TestCheckIntervalAgainstWatchdogSec(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "60000000")
	t.Setenv("WATCHDOG_PID", "")

	ok, wd := CheckInterval(30 * time.Second)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, wd)

	ok, _ = CheckInterval(45 * time.Second)
	assert.False(t, ok)
}

func TestNotifyWithoutSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	Notify("READY=1")
}

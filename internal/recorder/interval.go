package recorder

import (
	"sync/atomic"
	"time"
)

// Interval is the sleep between cycles. It is shared by successive recorders
// and may be changed while they run; the new value applies from the next
// sleep.
type Interval struct {
	v atomic.Int64
}

func NewInterval(d time.Duration) *Interval {
	i := &Interval{}
	i.Set(d)
	return i
}

// Set stores d; non-positive values select DefaultInterval.
func (i *Interval) Set(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	i.v.Store(int64(d))
}

func (i *Interval) Get() time.Duration {
	if i == nil {
		return DefaultInterval
	}
	return time.Duration(i.v.Load())
}

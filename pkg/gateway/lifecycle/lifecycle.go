package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is the process state shared by the readiness probe and the live
// upgrade handler. While draining, readiness fails and new live sessions
// are refused.
type Lifecycle struct {
	draining  atomic.Bool
	startedAt time.Time
}

func New() *Lifecycle {
	return &Lifecycle{startedAt: time.Now()}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Uptime is zero for a Lifecycle not built with New.
func (l *Lifecycle) Uptime() time.Duration {
	if l == nil || l.startedAt.IsZero() {
		return 0
	}
	return time.Since(l.startedAt)
}

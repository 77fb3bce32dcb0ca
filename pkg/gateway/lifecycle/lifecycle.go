// Package lifecycle holds the process drain flag shared across handlers.
// New connections are refused while draining so graceful shutdown can
// wind down the live sessions that remain.
package lifecycle

import "sync/atomic"

type Lifecycle struct {
	draining atomic.Bool
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

// Package lifecycle holds the process-wide shutdown state the gateway's HTTP
// surface and signal handler share.
package lifecycle

import "sync/atomic"

// Lifecycle carries the draining flag. A draining gateway refuses new live
// connections and reports not-ready while open calls wind down.
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

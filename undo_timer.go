package recordsync

import (
	"sync/atomic"
	"time"
)

const (
	timerPending int32 = iota
	timerFired
	timerCancelled
)

// undoTimer is the commit deadline of an undoable mutation. Exactly one of
// fire, cancel and fireNow wins; the loser observes false.
type undoTimer struct {
	state atomic.Int32
	t     *time.Timer
}

func startUndoTimer(delay time.Duration, fire func()) *undoTimer {
	u := &undoTimer{}
	u.t = time.AfterFunc(delay, func() {
		if u.state.CompareAndSwap(timerPending, timerFired) {
			fire()
		}
	})
	return u
}

// cancel stops the timer if it has not fired yet.
func (u *undoTimer) cancel() bool {
	if !u.state.CompareAndSwap(timerPending, timerCancelled) {
		return false
	}
	u.t.Stop()
	return true
}

// fireNow claims the timer for an immediate commit. The caller runs the
// commit itself when it returns true.
func (u *undoTimer) fireNow() bool {
	if !u.state.CompareAndSwap(timerPending, timerFired) {
		return false
	}
	u.t.Stop()
	return true
}

func (u *undoTimer) pending() bool {
	return u.state.Load() == timerPending
}

package round

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// timerSlot holds at most one pending callback. Replacing or cancelling the
// slot bumps its generation so a callback that already fired but has not yet
// taken the lock becomes a no-op.
type timerSlot struct {
	timer clockwork.Timer
	gen   uint64
}

// replaceTimer schedules fn after d, cancelling whatever was pending. fn runs
// with the synchronizer lock held and only if the slot was not touched since.
func (s *Synchronizer) replaceTimer(slot *timerSlot, d time.Duration, fn func()) {
	cancelTimer(slot)
	gen := slot.gen
	slot.timer = s.clock.AfterFunc(d, func() {
		s.fire(slot, gen, fn)
	})
}

func cancelTimer(slot *timerSlot) {
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	slot.gen++
}

func (s *Synchronizer) fire(slot *timerSlot, gen uint64, fn func()) {
	s.mu.Lock()
	if s.closed || slot.gen != gen {
		s.mu.Unlock()
		return
	}
	slot.timer = nil
	fn()
	s.unlockAndNotify()
}

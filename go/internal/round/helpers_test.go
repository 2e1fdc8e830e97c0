package round

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/arena/go/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type fixedBalance struct {
	mu    sync.Mutex
	value models.Money
	calls int
}

func (b *fixedBalance) CurrentBalance(context.Context) (models.Money, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.value, nil
}

func (b *fixedBalance) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func newTestSynchronizer(t *testing.T) (*Synchronizer, *clockwork.FakeClock, *recorder) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s := NewSynchronizer(DefaultConfig(), clock, nil, nil)
	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.record)
	t.Cleanup(func() {
		unsubscribe()
		s.Close()
	})
	return s, clock, rec
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func intValue(v *int) (int, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

func bettingIs(s *Synchronizer, want int) func() bool {
	return func() bool {
		v, ok := intValue(s.State().BettingSecondsRemaining)
		return ok && v == want
	}
}

func stopBetIs(s *Synchronizer, want int) func() bool {
	return func() bool {
		v, ok := intValue(s.State().StopBetSecondsRemaining)
		return ok && v == want
	}
}

package round

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/metrics"
	"github.com/mcdev12/arena/go/internal/models"
)

// Synchronizer owns the round record. Only its own timers and the push
// handlers below mutate it.
type Synchronizer struct {
	cfg     Config
	clock   clockwork.Clock
	balance BalanceReader
	metrics metrics.Collector

	mu    sync.Mutex
	state State
	// epoch changes on every Reset so late balance reads are dropped.
	epoch uint64
	// authoritative is the last phase received from the push channel.
	authoritative models.RoundPhase
	baseline      bool
	firstShown    bool
	seen          map[string]struct{}
	closed        bool

	betting      timerSlot
	stopBet      timerSlot
	confirm      timerSlot
	notice       timerSlot
	announcement timerSlot

	listeners map[int]func(State)
	nextID    int
}

// NewSynchronizer returns a synchronizer in the Waiting phase. balance and
// collector may be nil.
func NewSynchronizer(cfg Config, clock clockwork.Clock, balance BalanceReader, collector metrics.Collector) *Synchronizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if collector == nil {
		collector = metrics.NoOp{}
	}
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.BettingSeed <= 0 {
		cfg.BettingSeed = def.BettingSeed
	}
	if cfg.StopBetFrom <= 0 {
		cfg.StopBetFrom = def.StopBetFrom
	}
	if cfg.AnnouncementTTL <= 0 {
		cfg.AnnouncementTTL = def.AnnouncementTTL
	}
	if cfg.NoticeTTL <= 0 {
		cfg.NoticeTTL = def.NoticeTTL
	}
	return &Synchronizer{
		cfg:           cfg,
		clock:         clock,
		balance:       balance,
		metrics:       collector,
		state:         State{Phase: models.PhaseWaiting},
		authoritative: models.PhaseWaiting,
		seen:          make(map[string]struct{}),
		listeners:     make(map[int]func(State)),
	}
}

// State returns a copy of the read model.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers fn for every state change. The returned function
// unsubscribes; calling it more than once is harmless.
func (s *Synchronizer) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// unlockAndNotify releases the lock and delivers the new state to listeners.
func (s *Synchronizer) unlockAndNotify() {
	snapshot := s.state.clone()
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}

// Seed records the history already known when tableID is entered. It
// establishes the baseline for result detection and never announces. It is
// ignored once another table is selected or a push already set the baseline.
func (s *Synchronizer) Seed(tableID string, count int) {
	s.mu.Lock()
	if s.closed || s.baseline || s.state.TableID != tableID {
		s.mu.Unlock()
		return
	}
	s.state.ResultCount = count
	s.baseline = true
	s.unlockAndNotify()
}

// ObserveResults handles a round_result_appended push. A new result is
// detected by the history growing, not by round numbers.
func (s *Synchronizer) ObserveResults(count int, latest json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.baseline {
		s.baseline = true
		s.state.ResultCount = count
		s.unlockAndNotify()
		return
	}
	if count <= s.state.ResultCount {
		// Already known history, or the server trimmed it.
		s.state.ResultCount = count
		s.unlockAndNotify()
		return
	}
	s.state.ResultCount = count

	s.openOptimistically()
	if !s.firstShown {
		s.firstShown = true
	} else {
		s.state.Notice = &Notice{Result: latest, Count: count, ShownAt: s.clock.Now()}
		s.replaceTimer(&s.notice, s.cfg.NoticeTTL, func() { s.state.Notice = nil })
	}
	s.unlockAndNotify()
}

// openOptimistically predicts BettingOpen for display until the push
// channel confirms it.
func (s *Synchronizer) openOptimistically() {
	prev := s.state.Phase
	s.state.Phase = models.PhaseBettingOpen
	s.state.Optimistic = s.authoritative != models.PhaseBettingOpen
	s.cancelStopBet()
	s.startBetting(s.cfg.BettingSeed)
	if prev != models.PhaseBettingOpen {
		s.metrics.RecordPhase(string(models.PhaseBettingOpen))
	}

	if s.state.Optimistic && s.cfg.ConfirmTimeout > 0 {
		s.replaceTimer(&s.confirm, s.cfg.ConfirmTimeout, s.reconcile)
	}
	log.Debug().Str("table_id", s.state.TableID).Int("result_count", s.state.ResultCount).Msg("new result, betting opened locally")
}

// reconcile reverts an optimistic BettingOpen that was never confirmed.
func (s *Synchronizer) reconcile() {
	if !s.state.Optimistic {
		return
	}
	log.Warn().
		Str("table_id", s.state.TableID).
		Str("phase", string(s.authoritative)).
		Msg("optimistic betting open not confirmed, reverting")
	s.state.Optimistic = false
	s.state.Phase = s.authoritative
	s.clearBetting()
}

// ApplyPhase applies an authoritative phase update. Last write wins.
func (s *Synchronizer) ApplyPhase(ctx context.Context, update PhaseUpdate) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.state.Phase
	next := update.Phase
	s.authoritative = next
	s.state.Phase = next
	s.state.Optimistic = false
	cancelTimer(&s.confirm)

	switch next {
	case models.PhaseBettingOpen:
		s.cancelStopBet()
		if update.Seconds != nil && *update.Seconds > 0 {
			s.startBetting(*update.Seconds)
		}
	case models.PhaseBettingClosed:
		s.clearBetting()
		if prev == models.PhaseBettingOpen {
			s.startStopBet()
		}
	default:
		s.clearBetting()
	}
	if prev != next {
		s.metrics.RecordPhase(string(next))
		log.Info().Str("table_id", s.state.TableID).Str("from", string(prev)).Str("to", string(next)).Msg("round phase changed")
	}

	snapshotBalance := next == models.PhaseSettled && prev != models.PhaseSettled && s.balance != nil
	epoch := s.epoch
	s.unlockAndNotify()

	if snapshotBalance {
		s.snapshotBalance(ctx, epoch)
	}
}

func (s *Synchronizer) snapshotBalance(ctx context.Context, epoch uint64) {
	balance, err := s.balance.CurrentBalance(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to snapshot balance")
		return
	}
	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.state.BalanceSnapshot = &balance
	s.unlockAndNotify()
}

func (s *Synchronizer) startBetting(seconds int) {
	s.state.BettingSecondsRemaining = intPtr(seconds)
	s.replaceTimer(&s.betting, s.cfg.Tick, s.tickBetting)
}

func (s *Synchronizer) tickBetting() {
	if s.state.BettingSecondsRemaining == nil {
		return
	}
	if s.state.Phase != models.PhaseBettingOpen {
		// Phase authority wins over the local countdown.
		s.replaceTimer(&s.betting, s.cfg.Tick, s.tickBetting)
		return
	}
	remaining := *s.state.BettingSecondsRemaining - 1
	if remaining <= 0 {
		s.state.BettingSecondsRemaining = nil
		return
	}
	s.state.BettingSecondsRemaining = intPtr(remaining)
	s.replaceTimer(&s.betting, s.cfg.Tick, s.tickBetting)
}

func (s *Synchronizer) clearBetting() {
	cancelTimer(&s.betting)
	s.state.BettingSecondsRemaining = nil
}

func (s *Synchronizer) startStopBet() {
	s.state.StopBetSecondsRemaining = intPtr(s.cfg.StopBetFrom)
	s.replaceTimer(&s.stopBet, s.cfg.Tick, s.tickStopBet)
}

func (s *Synchronizer) tickStopBet() {
	if s.state.StopBetSecondsRemaining == nil {
		return
	}
	remaining := *s.state.StopBetSecondsRemaining - 1
	s.state.StopBetSecondsRemaining = intPtr(remaining)
	if remaining > 0 {
		s.replaceTimer(&s.stopBet, s.cfg.Tick, s.tickStopBet)
		return
	}
	s.replaceTimer(&s.stopBet, s.cfg.StopBetLinger, func() { s.state.StopBetSecondsRemaining = nil })
}

func (s *Synchronizer) cancelStopBet() {
	cancelTimer(&s.stopBet)
	s.state.StopBetSecondsRemaining = nil
}

// Reset clears the round record for a newly selected table. The settlement
// seen-set survives so reconnect replays stay idempotent.
func (s *Synchronizer) Reset(tableID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cancelAll()
	s.epoch++
	s.state = State{TableID: tableID, Phase: models.PhaseWaiting}
	s.authoritative = models.PhaseWaiting
	s.baseline = false
	s.firstShown = false
	s.unlockAndNotify()
}

// Close cancels every timer. The synchronizer ignores all input afterwards.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancelAll()
	s.listeners = map[int]func(State){}
}

func (s *Synchronizer) cancelAll() {
	for _, slot := range []*timerSlot{&s.betting, &s.stopBet, &s.confirm, &s.notice, &s.announcement} {
		cancelTimer(slot)
	}
}

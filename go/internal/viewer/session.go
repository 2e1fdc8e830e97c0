package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/events"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/negotiator"
	"github.com/mcdev12/arena/go/internal/round"
)

// ErrNoTable is returned when a table selection names no table.
var ErrNoTable = errors.New("viewer: table id required")

// Negotiator is the video side of a viewing session.
type Negotiator interface {
	Snapshot() negotiator.Snapshot
	SwitchTable(session models.TableSession)
	Start(ctx context.Context, tableID string) error
	ForceRefresh(ctx context.Context) error
	UpdateVideoURL(ctx context.Context, locator string) error
	Subscribe(fn func(negotiator.Snapshot)) func()
	Close()
}

// Rounds is the round side of a viewing session.
type Rounds interface {
	State() round.State
	Reset(tableID string)
	Seed(tableID string, count int)
	ObserveResults(count int, latest json.RawMessage)
	ApplyPhase(ctx context.Context, update round.PhaseUpdate)
	Settle(ev round.Settlement) (bool, error)
	Subscribe(fn func(round.State)) func()
	Close()
}

// History reports how many round results a table already has.
type History interface {
	ResultCount(ctx context.Context, session models.TableSession) (int, error)
}

// State is the combined read model served to the presentation layer.
type State struct {
	TableID       string              `json:"table_id"`
	Authenticated bool                `json:"authenticated"`
	Video         negotiator.Snapshot `json:"video"`
	Round         round.State         `json:"round"`
	At            time.Time           `json:"at"`
}

// Session binds one negotiator and one synchronizer to the selected table
// and routes push events to them.
type Session struct {
	neg     Negotiator
	rounds  Rounds
	history History
	clock   clockwork.Clock

	// switchMu keeps the selected table and the negotiator's table in step.
	switchMu sync.Mutex

	mu         sync.Mutex
	current    models.TableSession
	seedCancel context.CancelFunc
	seeds      sync.WaitGroup

	// Negotiator work runs on one goroutine so slow connects never hold up
	// phase and result events.
	work   chan func(context.Context)
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession returns a session with no table selected. history may be nil,
// in which case the first result push becomes the baseline.
func NewSession(neg Negotiator, rounds Rounds, history History, clock clockwork.Clock) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		neg:     neg,
		rounds:  rounds,
		history: history,
		clock:   clock,
		work:    make(chan func(context.Context), 16),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.work:
			fn(s.ctx)
		}
	}
}

func (s *Session) enqueue(fn func(context.Context)) {
	select {
	case s.work <- fn:
	case <-s.ctx.Done():
	}
}

// Current returns the selected table and token.
func (s *Session) Current() models.TableSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Token returns the current session token, empty when viewing anonymously.
func (s *Session) Token() string {
	return s.Current().SessionToken
}

// SelectTable switches the viewer to ts. Round state resets and the previous
// table's video work is cancelled before it returns; the new connect runs in
// the background.
func (s *Session) SelectTable(ts models.TableSession) error {
	ts.TableID = strings.TrimSpace(ts.TableID)
	if ts.TableID == "" {
		return ErrNoTable
	}
	s.switchMu.Lock()
	s.mu.Lock()
	s.current = ts
	s.mu.Unlock()
	s.rounds.Reset(ts.TableID)
	s.neg.SwitchTable(ts)
	s.seed(ts)
	s.switchMu.Unlock()

	log.Info().Str("table_id", ts.TableID).Bool("authenticated", ts.HasToken()).Msg("table selected")
	s.start(ts.TableID)
	return nil
}

// start queues the first connect for tableID. The negotiator skips it when
// another table was selected in the meantime.
func (s *Session) start(tableID string) {
	s.enqueue(func(ctx context.Context) {
		if err := s.neg.Start(ctx, tableID); err != nil {
			log.Warn().Err(err).Str("table_id", tableID).Msg("reconnect ended without video")
		}
	})
}

// seed loads the table's existing history so the first new result after
// entering it opens betting. A newer selection cancels it.
func (s *Session) seed(ts models.TableSession) {
	if s.history == nil || s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if s.seedCancel != nil {
		s.seedCancel()
	}
	s.seedCancel = cancel
	s.mu.Unlock()

	s.seeds.Add(1)
	go func() {
		defer s.seeds.Done()
		defer cancel()
		count, err := s.history.ResultCount(ctx, ts)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("table_id", ts.TableID).Msg("failed to load table history")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.rounds.Seed(ts.TableID, count)
		log.Debug().Str("table_id", ts.TableID).Int("result_count", count).Msg("result history seeded")
	}()
}

// Refresh asks the negotiator for a fresh fetch cycle, bypassing the throttle.
func (s *Session) Refresh() {
	s.enqueue(func(ctx context.Context) {
		if err := s.neg.ForceRefresh(ctx); err != nil {
			log.Warn().Err(err).Msg("refresh ended without video")
		}
	})
}

// State returns the combined read model.
func (s *Session) State() State {
	current := s.Current()
	return State{
		TableID:       current.TableID,
		Authenticated: current.HasToken(),
		Video:         s.neg.Snapshot(),
		Round:         s.rounds.State(),
		At:            s.clock.Now(),
	}
}

// Subscribe calls fn with the combined read model whenever either side
// changes. The returned function unsubscribes.
func (s *Session) Subscribe(fn func(State)) func() {
	stopVideo := s.neg.Subscribe(func(negotiator.Snapshot) { fn(s.State()) })
	stopRound := s.rounds.Subscribe(func(round.State) { fn(s.State()) })
	return func() {
		stopVideo()
		stopRound()
	}
}

// matches reports whether an event addressed to tableID concerns the
// selected table. Events without a table id apply to whatever is selected.
func (s *Session) matches(tableID string) bool {
	if tableID == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(tableID), s.Current().TableID)
}

func (s *Session) ResultsAppended(ctx context.Context, p events.RoundResultAppendedPayload) {
	if !s.matches(p.TableID) {
		return
	}
	s.rounds.ObserveResults(p.Count(), p.Latest)
}

func (s *Session) RoundSettled(ctx context.Context, p events.RoundSettledPayload) {
	shown, err := s.rounds.Settle(round.Settlement{
		RoundID:     p.RoundID,
		Outcome:     p.Outcome,
		PayoutDelta: p.PayoutDelta,
	})
	if err != nil {
		log.Warn().Err(err).Str("round_id", p.RoundID).Str("outcome", p.Outcome).Msg("settlement rejected")
		return
	}
	if !shown {
		log.Debug().Str("round_id", p.RoundID).Msg("duplicate settlement")
	}
}

func (s *Session) VideoURLUpdated(ctx context.Context, p events.VideoURLUpdatePayload) {
	if !s.matches(p.TableID) {
		return
	}
	locator := p.Locator
	s.enqueue(func(ctx context.Context) {
		if err := s.neg.UpdateVideoURL(ctx, locator); err != nil {
			log.Warn().Err(err).Msg("pushed locator did not attach")
		}
	})
}

func (s *Session) VideoURLRefresh(ctx context.Context, p events.VideoURLRefreshPayload) {
	if p.TableID != "" && !s.matches(p.TableID) {
		log.Debug().Str("table_id", p.TableID).Msg("ignoring refresh for another table")
		return
	}
	s.Refresh()
}

func (s *Session) PhaseUpdated(ctx context.Context, p events.PhaseUpdatePayload) {
	if !s.matches(p.TableID) {
		return
	}
	phase, err := models.ParseRoundPhase(p.Phase)
	if err != nil {
		log.Warn().Err(err).Str("phase", p.Phase).Msg("ignoring unknown phase")
		return
	}
	s.rounds.ApplyPhase(ctx, round.PhaseUpdate{Phase: phase, Seconds: p.Seconds})
}

// SessionExpired drops the token and reconnects anonymously. Round state is
// kept because the table has not changed.
func (s *Session) SessionExpired(ctx context.Context, p events.SessionExpiredPayload) {
	s.switchMu.Lock()
	s.mu.Lock()
	if !s.current.HasToken() {
		s.mu.Unlock()
		s.switchMu.Unlock()
		return
	}
	s.current = s.current.WithoutToken()
	ts := s.current
	s.mu.Unlock()
	s.neg.SwitchTable(ts)
	s.switchMu.Unlock()

	log.Warn().Str("table_id", ts.TableID).Str("reason", p.Reason).Msg("session expired, viewing without token")
	s.start(ts.TableID)
}

// Close stops background work and releases the negotiator and synchronizer.
func (s *Session) Close() {
	s.cancel()
	<-s.done
	s.seeds.Wait()
	s.neg.Close()
	s.rounds.Close()
}

package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/arena/go/internal/events"
	"github.com/mcdev12/arena/go/internal/metrics"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/negotiator"
	"github.com/mcdev12/arena/go/internal/round"
	"github.com/mcdev12/arena/go/internal/stream"
)

type fakeNegotiator struct {
	mu        sync.Mutex
	calls     []string
	session   models.TableSession
	snap      negotiator.Snapshot
	closed    bool
	listeners []func(negotiator.Snapshot)
}

func (f *fakeNegotiator) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeNegotiator) has(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeNegotiator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNegotiator) Snapshot() negotiator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeNegotiator) SwitchTable(ts models.TableSession) {
	f.record("switch %s %s", ts.TableID, ts.SessionToken)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = ts
	f.snap = negotiator.Snapshot{TableID: ts.TableID, State: negotiator.StateIdle}
}

func (f *fakeNegotiator) Start(ctx context.Context, tableID string) error {
	f.mu.Lock()
	ts := f.session
	f.mu.Unlock()
	if ts.TableID != tableID {
		return nil
	}
	f.record("start %s %s", ts.TableID, ts.SessionToken)
	f.mu.Lock()
	f.snap = negotiator.Snapshot{TableID: ts.TableID, State: negotiator.StateAttached, Kind: stream.KindHLS}
	snap := f.snap
	listeners := append([](func(negotiator.Snapshot))(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
	return nil
}

func (f *fakeNegotiator) Subscribe(fn func(negotiator.Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeNegotiator) ForceRefresh(ctx context.Context) error {
	f.record("refresh")
	return nil
}

func (f *fakeNegotiator) UpdateVideoURL(ctx context.Context, locator string) error {
	f.record("update %s", locator)
	return nil
}

func (f *fakeNegotiator) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeWallet struct {
	mu     sync.Mutex
	tokens []string
	value  models.Money
}

func (w *fakeWallet) Balance(ctx context.Context, token string) (models.Money, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tokens = append(w.tokens, token)
	return w.value, nil
}

type harness struct {
	t      *testing.T
	clock  *clockwork.FakeClock
	neg    *fakeNegotiator
	rounds *round.Synchronizer
	wallet *fakeWallet
	s      *Session
}

type fakeHistory struct {
	counts  map[string]int
	block   string
	release chan struct{}
}

func (f *fakeHistory) ResultCount(ctx context.Context, ts models.TableSession) (int, error) {
	if ts.TableID == f.block {
		<-f.release
	}
	return f.counts[ts.TableID], nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithHistory(t, nil)
}

func newHarnessWithHistory(t *testing.T, history History) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	wallet := &fakeWallet{value: models.MustParseMoney("250.5")}
	balance := &TokenBalance{Wallet: wallet}
	rounds := round.NewSynchronizer(round.DefaultConfig(), clock, balance, metrics.NoOp{})
	neg := &fakeNegotiator{}
	s := NewSession(neg, rounds, history, clock)
	balance.Tokens = s
	t.Cleanup(s.Close)
	return &harness{t: t, clock: clock, neg: neg, rounds: rounds, wallet: wallet, s: s}
}

var ctx = context.Background()

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSelectTableResetsAndReconnects(t *testing.T) {
	h := newHarness(t)
	h.s.PhaseUpdated(ctx, events.PhaseUpdatePayload{Phase: "CLOSED"})

	if err := h.s.SelectTable(models.TableSession{TableID: " CF01 ", SessionToken: "tok"}); err != nil {
		t.Fatalf("SelectTable: %v", err)
	}
	eventually(t, "start", func() bool { return h.neg.has("start CF01 tok") })

	st := h.s.State()
	if st.TableID != "CF01" || !st.Authenticated {
		t.Errorf("state = %+v", st)
	}
	if st.Round.TableID != "CF01" || st.Round.Phase != models.PhaseWaiting {
		t.Errorf("round not reset: %+v", st.Round)
	}
}

func TestSelectTableSwitchesVideoBeforeReturning(t *testing.T) {
	h := newHarness(t)
	h.s.SelectTable(models.TableSession{TableID: "CF01", SessionToken: "tok"})
	h.s.SelectTable(models.TableSession{TableID: "CF02", SessionToken: "tok"})

	if !h.neg.has("switch CF02 tok") {
		t.Fatal("negotiator not switched synchronously")
	}
	if got := h.s.State().Video.TableID; got != "CF02" {
		t.Fatalf("video table = %q right after selection", got)
	}
	eventually(t, "start", func() bool { return h.neg.has("start CF02 tok") })
}

func TestSelectTableRequiresTable(t *testing.T) {
	h := newHarness(t)
	if err := h.s.SelectTable(models.TableSession{TableID: "  "}); !errors.Is(err, ErrNoTable) {
		t.Fatalf("err = %v, want ErrNoTable", err)
	}
}

func TestPhaseUpdatesForOtherTablesAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.s.SelectTable(models.TableSession{TableID: "CF01"})

	seconds := 12
	h.s.PhaseUpdated(ctx, events.PhaseUpdatePayload{TableID: "CF02", Phase: "OPEN", Seconds: &seconds})
	if got := h.rounds.State().Phase; got != models.PhaseWaiting {
		t.Fatalf("phase = %s after foreign update", got)
	}

	h.s.PhaseUpdated(ctx, events.PhaseUpdatePayload{TableID: "cf01", Phase: "OPEN", Seconds: &seconds})
	st := h.rounds.State()
	if st.Phase != models.PhaseBettingOpen {
		t.Fatalf("phase = %s, want BETTING_OPEN", st.Phase)
	}
	if st.BettingSecondsRemaining == nil || *st.BettingSecondsRemaining != 12 {
		t.Errorf("countdown = %v, want 12", st.BettingSecondsRemaining)
	}

	h.s.PhaseUpdated(ctx, events.PhaseUpdatePayload{Phase: "intermission"})
	if got := h.rounds.State().Phase; got != models.PhaseBettingOpen {
		t.Errorf("unknown phase changed state to %s", got)
	}
}

func TestResultAppendOpensBettingOptimistically(t *testing.T) {
	h := newHarness(t)
	h.s.SelectTable(models.TableSession{TableID: "CF01"})

	h.s.ResultsAppended(ctx, events.RoundResultAppendedPayload{TableID: "CF01", History: make([]json.RawMessage, 4)})
	if h.rounds.State().Phase != models.PhaseWaiting {
		t.Fatal("baseline observation changed the phase")
	}
	h.s.ResultsAppended(ctx, events.RoundResultAppendedPayload{TableID: "CF01", History: make([]json.RawMessage, 5)})
	st := h.rounds.State()
	if st.Phase != models.PhaseBettingOpen || !st.Optimistic {
		t.Fatalf("state = %+v, want optimistic BETTING_OPEN", st)
	}
	if st.BettingSecondsRemaining == nil || *st.BettingSecondsRemaining != 20 {
		t.Errorf("countdown = %v, want 20", st.BettingSecondsRemaining)
	}
}

func TestSelectTableSeedsHistory(t *testing.T) {
	h := newHarnessWithHistory(t, &fakeHistory{counts: map[string]int{"CF01": 3}})
	h.s.SelectTable(models.TableSession{TableID: "CF01"})
	eventually(t, "seeded", func() bool { return h.rounds.State().ResultCount == 3 })

	h.s.ResultsAppended(ctx, events.RoundResultAppendedPayload{TableID: "CF01", History: make([]json.RawMessage, 3)})
	if st := h.rounds.State(); st.Phase != models.PhaseWaiting || st.BettingSecondsRemaining != nil {
		t.Fatalf("known history changed state: %+v", st)
	}
	h.s.ResultsAppended(ctx, events.RoundResultAppendedPayload{TableID: "CF01", History: make([]json.RawMessage, 4)})
	st := h.rounds.State()
	if st.Phase != models.PhaseBettingOpen || st.BettingSecondsRemaining == nil || *st.BettingSecondsRemaining != 20 {
		t.Fatalf("first new result did not open betting: %+v", st)
	}
	if st.Notice != nil {
		t.Error("first new result after entering must not show a notice")
	}
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	history := &fakeHistory{
		counts:  map[string]int{"CF01": 9, "CF02": 5},
		block:   "CF01",
		release: make(chan struct{}),
	}
	h := newHarnessWithHistory(t, history)
	h.s.SelectTable(models.TableSession{TableID: "CF01"})
	h.s.SelectTable(models.TableSession{TableID: "CF02"})
	eventually(t, "CF02 seeded", func() bool { return h.rounds.State().ResultCount == 5 })

	close(history.release)
	h.s.seeds.Wait()
	if st := h.rounds.State(); st.TableID != "CF02" || st.ResultCount != 5 {
		t.Fatalf("late CF01 history applied: %+v", st)
	}
}

func TestSessionExpiredDropsTokenAndKeepsRound(t *testing.T) {
	h := newHarness(t)
	h.s.SelectTable(models.TableSession{TableID: "CF01", SessionToken: "tok"})
	eventually(t, "first start", func() bool { return h.neg.has("start CF01 tok") })
	h.s.PhaseUpdated(ctx, events.PhaseUpdatePayload{Phase: "CLOSED"})

	h.s.SessionExpired(ctx, events.SessionExpiredPayload{Reason: "expired"})
	eventually(t, "anonymous start", func() bool { return h.neg.has("start CF01 ") })

	if h.s.Token() != "" || h.s.State().Authenticated {
		t.Error("token still present after expiry")
	}
	if got := h.rounds.State().Phase; got != models.PhaseBettingClosed {
		t.Errorf("phase = %s, want round state kept", got)
	}

	before := h.neg.count()
	h.s.SessionExpired(ctx, events.SessionExpiredPayload{})
	h.s.Refresh()
	eventually(t, "refresh", func() bool { return h.neg.has("refresh") })
	if got := h.neg.count(); got != before+1 {
		t.Errorf("calls = %d, want only the refresh after a second expiry", got-before)
	}
}

func TestVideoURLRefreshMatchesTable(t *testing.T) {
	h := newHarness(t)
	h.s.SelectTable(models.TableSession{TableID: "CF01"})
	eventually(t, "start", func() bool { return h.neg.has("start CF01 ") })

	h.s.VideoURLRefresh(ctx, events.VideoURLRefreshPayload{TableID: "CF09"})
	h.s.VideoURLUpdated(ctx, events.VideoURLUpdatePayload{TableID: "CF09", Locator: "https://cdn/other.m3u8"})
	h.s.VideoURLUpdated(ctx, events.VideoURLUpdatePayload{Locator: "https://cdn/new.m3u8"})
	eventually(t, "update", func() bool { return h.neg.has("update https://cdn/new.m3u8") })
	if h.neg.has("refresh") || h.neg.has("update https://cdn/other.m3u8") {
		t.Fatal("foreign table event reached the negotiator")
	}

	h.s.VideoURLRefresh(ctx, events.VideoURLRefreshPayload{TableID: "CF01"})
	eventually(t, "refresh", func() bool { return h.neg.has("refresh") })
}

func TestSettlementIsAnnouncedOnce(t *testing.T) {
	h := newHarness(t)
	h.s.SelectTable(models.TableSession{TableID: "CF01", SessionToken: "tok"})

	p := events.RoundSettledPayload{RoundID: "r-9", Outcome: "wala", PayoutDelta: models.MustParseMoney("-40")}
	h.s.RoundSettled(ctx, p)
	h.s.RoundSettled(ctx, p)
	h.s.RoundSettled(ctx, events.RoundSettledPayload{RoundID: "r-10", Outcome: "??"})

	a := h.rounds.State().Announcement
	if a == nil {
		t.Fatal("no announcement")
	}
	if a.RoundID != "r-9" || a.Status != models.StatusLose {
		t.Errorf("announcement = %+v", a)
	}
	if a.Amount != models.MustParseMoney("-40") {
		t.Errorf("amount = %s, want -40", a.Amount)
	}
}

func TestSettledPhaseSnapshotsBalanceForToken(t *testing.T) {
	h := newHarness(t)
	h.s.SelectTable(models.TableSession{TableID: "CF01", SessionToken: "tok"})
	h.s.PhaseUpdated(ctx, events.PhaseUpdatePayload{Phase: "SETTLED"})

	eventually(t, "balance snapshot", func() bool { return h.rounds.State().BalanceSnapshot != nil })
	h.wallet.mu.Lock()
	defer h.wallet.mu.Unlock()
	if len(h.wallet.tokens) != 1 || h.wallet.tokens[0] != "tok" {
		t.Errorf("wallet tokens = %v", h.wallet.tokens)
	}
}

func TestTokenBalanceWithoutToken(t *testing.T) {
	b := &TokenBalance{Wallet: &fakeWallet{}}
	if _, err := b.CurrentBalance(ctx); err == nil {
		t.Error("expected error with no token source")
	}
	h := newHarness(t)
	h.s.SelectTable(models.TableSession{TableID: "CF01"})
	b.Tokens = h.s
	if _, err := b.CurrentBalance(ctx); err == nil {
		t.Error("expected error for anonymous session")
	}
}

func TestCloseReleasesNegotiator(t *testing.T) {
	clock := clockwork.NewFakeClock()
	neg := &fakeNegotiator{}
	rounds := round.NewSynchronizer(round.DefaultConfig(), clock, nil, nil)
	s := NewSession(neg, rounds, nil, clock)
	s.Close()
	if !neg.closed {
		t.Error("negotiator not closed")
	}
	s.Refresh()
	if strings.Contains(fmt.Sprint(neg.calls), "refresh") {
		t.Error("work ran after Close")
	}
}

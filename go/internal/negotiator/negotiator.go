// Package negotiator picks, attaches and keeps alive the live-video transport
// for the selected table.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/metrics"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/stream"
	"github.com/mcdev12/arena/go/internal/transport"
)

// ErrNoCandidate is returned when every plan entry failed to open.
var ErrNoCandidate = errors.New("negotiator: no transport could be attached")

// Lobby fetches the snapshot carrying per-table stream locators.
type Lobby interface {
	TableSnapshot(ctx context.Context, session models.TableSession) (any, error)
}

// Config holds the negotiator timings.
type Config struct {
	Throttle        time.Duration `yaml:"throttle"`
	FLVRetryDelay   time.Duration `yaml:"flv_retry_delay"`
	FatalRetryDelay time.Duration `yaml:"fatal_retry_delay"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Throttle:        5 * time.Second,
		FLVRetryDelay:   2 * time.Second,
		FatalRetryDelay: 3 * time.Second,
		FetchTimeout:    10 * time.Second,
	}
}

// Negotiator owns the single active transport.
type Negotiator struct {
	cfg        Config
	clock      clockwork.Clock
	lobby      Lobby
	builder    *stream.Builder
	connectors map[stream.Kind]transport.Connector
	surface    *transport.Surface
	metrics    metrics.Collector

	baseCtx    context.Context
	baseCancel context.CancelFunc
	reactions  chan func()
	done       chan struct{}

	// attachMu serialises teardown-then-attach so the previous handle is
	// released before the next acquires the surface.
	attachMu sync.Mutex

	mu      sync.Mutex
	session models.TableSession
	// cycle identifies the current fetch/connect cycle. Bumping it makes any
	// in-flight cycle stale.
	cycle       uint64
	tableCtx    context.Context
	tableCancel context.CancelFunc
	snap        Snapshot
	active      transport.Handle
	busy        bool
	lastRefresh time.Time
	refreshed   bool
	retry       clockwork.Timer
	closed      bool

	listeners map[int]func(Snapshot)
	nextID    int
}

// New returns an idle negotiator. Connectors are keyed by the kind they open.
func New(cfg Config, clock clockwork.Clock, lobby Lobby, builder *stream.Builder, surface *transport.Surface, collector metrics.Collector, connectors ...transport.Connector) *Negotiator {
	def := DefaultConfig()
	if cfg.Throttle <= 0 {
		cfg.Throttle = def.Throttle
	}
	if cfg.FLVRetryDelay <= 0 {
		cfg.FLVRetryDelay = def.FLVRetryDelay
	}
	if cfg.FatalRetryDelay <= 0 {
		cfg.FatalRetryDelay = def.FatalRetryDelay
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if collector == nil {
		collector = metrics.NoOp{}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	tableCtx, tableCancel := context.WithCancel(baseCtx)
	n := &Negotiator{
		cfg:         cfg,
		clock:       clock,
		lobby:       lobby,
		builder:     builder,
		connectors:  make(map[stream.Kind]transport.Connector),
		surface:     surface,
		metrics:     collector,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		reactions:   make(chan func(), 64),
		done:        make(chan struct{}),
		tableCtx:    tableCtx,
		tableCancel: tableCancel,
		snap:        Snapshot{State: StateIdle, Degraded: true},
		listeners:   make(map[int]func(Snapshot)),
	}
	for _, c := range connectors {
		n.connectors[c.Kind()] = c
	}
	go n.react()
	return n
}

// react runs transport reports one at a time, off the goroutines that
// produced them.
func (n *Negotiator) react() {
	for {
		select {
		case fn := <-n.reactions:
			fn()
		case <-n.done:
			return
		}
	}
}

func (n *Negotiator) enqueue(fn func()) {
	select {
	case n.reactions <- fn:
	case <-n.done:
	}
}

// Snapshot returns the current read model.
func (n *Negotiator) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snap
}

// Subscribe registers fn for every snapshot change and returns its
// unsubscribe function.
func (n *Negotiator) Subscribe(fn func(Snapshot)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

func (n *Negotiator) unlockAndNotify() {
	snap := n.snap
	fns := make([]func(Snapshot), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// setStateLocked updates the state and the derived Degraded flag.
func (n *Negotiator) setStateLocked(s State) {
	if n.snap.State != s {
		n.metrics.RecordNegotiatorState(s.String())
	}
	n.snap.State = s
	n.snap.Degraded = s != StateAttached
}

// Refresh runs a fetch/connect cycle for session, subject to the throttle.
// The first call for a newly selected table always runs.
func (n *Negotiator) Refresh(ctx context.Context, session models.TableSession) error {
	return n.refresh(ctx, session, false)
}

// ForceRefresh runs a cycle bypassing the throttle.
func (n *Negotiator) ForceRefresh(ctx context.Context) error {
	n.mu.Lock()
	session := n.session
	n.mu.Unlock()
	return n.refresh(ctx, session, true)
}

func (n *Negotiator) refresh(ctx context.Context, session models.TableSession, force bool) error {
	if session.TableID == "" {
		return nil
	}
	n.mu.Lock()
	if !n.closed && session.TableID != n.session.TableID {
		n.mu.Unlock()
		return n.ReconnectTo(ctx, session)
	}
	n.session = session
	return n.runLocked(ctx, force)
}

// Start runs the first cycle for a table chosen with SwitchTable. It does
// nothing when another table has been selected since.
func (n *Negotiator) Start(ctx context.Context, tableID string) error {
	n.mu.Lock()
	if tableID == "" || n.session.TableID != tableID {
		n.mu.Unlock()
		log.Debug().Str("table_id", tableID).Msg("start skipped, table no longer selected")
		return nil
	}
	return n.runLocked(ctx, false)
}

// runLocked runs a cycle for n.session. It is called with n.mu held and
// releases it.
func (n *Negotiator) runLocked(ctx context.Context, force bool) error {
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	session := n.session
	now := n.clock.Now()
	if n.busy {
		n.mu.Unlock()
		log.Debug().Str("table_id", session.TableID).Msg("refresh skipped, cycle in flight")
		return nil
	}
	if !force && n.refreshed && now.Sub(n.lastRefresh) < n.cfg.Throttle {
		n.mu.Unlock()
		log.Debug().Str("table_id", session.TableID).Msg("refresh throttled")
		return nil
	}
	n.refreshed = true
	n.lastRefresh = now
	n.busy = true
	n.cycle++
	cycle := n.cycle
	tableCtx := n.tableCtx
	if session.HasToken() {
		n.setStateLocked(StateFetching)
	} else {
		n.setStateLocked(StateConnecting)
	}
	n.unlockAndNotify()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(tableCtx, cancel)
	defer stop()

	plan := n.plan(runCtx, cycle, session)
	if plan == nil {
		return nil
	}
	return n.tryPlan(runCtx, cycle, session, plan)
}

// current reports whether cycle is still the one in flight.
func (n *Negotiator) current(cycle uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cycle == cycle && !n.closed
}

// plan builds the ordered candidate list: the best discovered candidate,
// then FLV and WebRTC from the stream-id map, then HLS. Without a token only
// HLS is possible. It returns nil when the cycle went stale.
func (n *Negotiator) plan(ctx context.Context, cycle uint64, session models.TableSession) []stream.Candidate {
	hls := n.builder.HLS(session.TableID)
	if !session.HasToken() {
		return []stream.Candidate{hls}
	}

	var plan []stream.Candidate
	fetchCtx, cancel := context.WithTimeout(ctx, n.cfg.FetchTimeout)
	resp, err := n.lobby.TableSnapshot(fetchCtx, session)
	cancel()
	if !n.current(cycle) {
		log.Debug().Str("table_id", session.TableID).Msg("discarding stale lobby response")
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Str("table_id", session.TableID).Msg("lobby fetch failed, using fallbacks")
	} else if best, ok := stream.Best(stream.Extract(resp, session.TableID)); ok {
		plan = append(plan, best)
	}

	if c, ok := n.builder.FLV(session.TableID, session.SessionToken); ok {
		plan = append(plan, c)
	}
	if c, ok := n.builder.WebRTC(session.TableID, session.SessionToken); ok {
		plan = append(plan, c)
	}
	plan = append(plan, hls)
	return dedupe(plan)
}

func dedupe(plan []stream.Candidate) []stream.Candidate {
	seen := make(map[stream.Candidate]struct{}, len(plan))
	out := plan[:0]
	for _, c := range plan {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// tryPlan opens each candidate in order until one attaches.
func (n *Negotiator) tryPlan(ctx context.Context, cycle uint64, session models.TableSession, plan []stream.Candidate) error {
	var lastErr error
	for _, cand := range plan {
		n.mu.Lock()
		if n.cycle != cycle || n.closed {
			n.mu.Unlock()
			return nil
		}
		n.setStateLocked(StateConnecting)
		n.snap.LastAttempt = cand.Kind
		n.unlockAndNotify()

		err := n.connect(ctx, cycle, cand)
		if err == nil {
			return nil
		}
		if errors.Is(err, errStale) {
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Str("table_id", session.TableID).Str("kind", cand.Kind.String()).Msg("transport attempt failed")
	}

	n.mu.Lock()
	if n.cycle != cycle || n.closed {
		n.mu.Unlock()
		return nil
	}
	n.busy = false
	n.setStateLocked(StateDegraded)
	n.snap.Exhausted = true
	n.unlockAndNotify()
	log.Error().Err(lastErr).Str("table_id", session.TableID).Msg("all transports failed")
	return fmt.Errorf("%w: %v", ErrNoCandidate, lastErr)
}

var errStale = errors.New("negotiator: cycle superseded")

// connect opens cand and, if the cycle is still current, swaps it in as the
// active transport.
func (n *Negotiator) connect(ctx context.Context, cycle uint64, cand stream.Candidate) error {
	conn, ok := n.connectors[cand.Kind]
	if !ok {
		return fmt.Errorf("%w: no %s connector", transport.ErrUnsupported, cand.Kind)
	}
	h, err := conn.Open(ctx, cand.Locator, reporter{n: n})
	n.metrics.RecordConnectAttempt(cand.Kind.String(), err == nil)
	if err != nil {
		return err
	}

	n.attachMu.Lock()
	defer n.attachMu.Unlock()

	n.mu.Lock()
	if n.cycle != cycle || n.closed {
		n.mu.Unlock()
		h.Close()
		return errStale
	}
	prev := n.active
	n.active = nil
	n.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	lease, err := n.surface.Acquire(cand.Kind)
	if err != nil {
		h.Close()
		return err
	}

	// The handle becomes active before Attach so reports it sends while
	// attaching are not dropped.
	n.mu.Lock()
	if n.cycle != cycle || n.closed {
		n.mu.Unlock()
		lease.Release()
		h.Close()
		return errStale
	}
	n.active = h
	n.mu.Unlock()

	if err := h.Attach(lease); err != nil {
		n.mu.Lock()
		if n.active == h {
			n.active = nil
		}
		n.mu.Unlock()
		lease.Release()
		h.Close()
		return err
	}

	n.mu.Lock()
	if n.cycle != cycle {
		// Superseded while attaching; the next cycle or teardown replaces it.
		n.mu.Unlock()
		return errStale
	}
	n.busy = false
	n.snap.Kind = cand.Kind
	n.snap.Locator = cand.Locator
	n.snap.EmbedLocator = ""
	if cand.Kind == stream.KindEmbed {
		n.snap.EmbedLocator = cand.Locator
	}
	n.snap.Exhausted = false
	// Deferred handles report Attached themselves on first media.
	if d, ok := h.(transport.Deferred); !ok || !d.DeferredAttach() {
		n.markAttachedLocked()
	}
	tableID := n.snap.TableID
	n.unlockAndNotify()
	log.Info().Str("table_id", tableID).Str("kind", cand.Kind.String()).Str("locator", cand.Locator).Msg("transport attached")
	return nil
}

func (n *Negotiator) markAttachedLocked() {
	n.setStateLocked(StateAttached)
	n.snap.AttachedAt = n.clock.Now()
}

// switchTableLocked makes every in-flight result for the previous table stale.
func (n *Negotiator) switchTableLocked(session models.TableSession) {
	n.tableCancel()
	n.tableCtx, n.tableCancel = context.WithCancel(n.baseCtx)
	n.cycle++
	n.session = session
	n.busy = false
	n.refreshed = false
	n.cancelRetryLocked()
	n.snap = Snapshot{TableID: session.TableID, State: n.snap.State, Degraded: n.snap.Degraded}
}

// SwitchTable cancels everything in flight for the previous table, tears the
// transport down and selects session. It does not block on the network; call
// Start to run the first cycle.
func (n *Negotiator) SwitchTable(session models.TableSession) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.switchTableLocked(session)
	n.mu.Unlock()

	n.teardown()

	n.mu.Lock()
	n.setStateLocked(StateIdle)
	n.unlockAndNotify()
}

// ReconnectTo tears down unconditionally and runs a fresh cycle for session.
func (n *Negotiator) ReconnectTo(ctx context.Context, session models.TableSession) error {
	n.SwitchTable(session)
	return n.Start(ctx, session.TableID)
}

// UpdateVideoURL connects straight to a pushed locator, bypassing the
// throttle. It does nothing when the locator is already attached or cannot
// be classified.
func (n *Negotiator) UpdateVideoURL(ctx context.Context, locator string) error {
	kind := stream.Classify(locator)
	if kind == stream.KindUnknown {
		log.Debug().Str("locator", locator).Msg("ignoring unclassifiable video url")
		return nil
	}
	n.mu.Lock()
	if n.closed || (n.active != nil && n.active.Locator() == locator) {
		n.mu.Unlock()
		return nil
	}
	n.cycle++
	cycle := n.cycle
	n.busy = true
	session := n.session
	tableCtx := n.tableCtx
	n.cancelRetryLocked()
	n.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(tableCtx, cancel)
	defer stop()
	return n.tryPlan(runCtx, cycle, session, []stream.Candidate{{Kind: kind, Locator: locator}})
}

// Teardown releases the active transport and returns to Idle.
func (n *Negotiator) Teardown() {
	n.mu.Lock()
	n.cycle++
	n.busy = false
	n.cancelRetryLocked()
	n.mu.Unlock()

	n.teardown()

	n.mu.Lock()
	n.setStateLocked(StateIdle)
	n.snap.Kind = stream.KindUnknown
	n.snap.Locator = ""
	n.snap.EmbedLocator = ""
	n.unlockAndNotify()
}

// teardown closes the active handle, releasing its surface lease.
func (n *Negotiator) teardown() {
	n.attachMu.Lock()
	defer n.attachMu.Unlock()
	n.mu.Lock()
	h := n.active
	n.active = nil
	n.mu.Unlock()
	if h != nil {
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Str("kind", h.Kind().String()).Msg("failed to close transport")
		}
	}
}

// Close tears down and stops all timers and reactions.
func (n *Negotiator) Close() {
	n.Teardown()
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.listeners = map[int]func(Snapshot){}
	n.mu.Unlock()
	n.baseCancel()
	close(n.done)
}

// scheduleRetryLocked replaces any pending retry with one fetch cycle after d.
func (n *Negotiator) scheduleRetryLocked(d time.Duration) {
	n.cancelRetryLocked()
	cycle := n.cycle
	n.retry = n.clock.AfterFunc(d, func() {
		n.mu.Lock()
		if n.closed || n.cycle != cycle {
			n.mu.Unlock()
			return
		}
		n.retry = nil
		session := n.session
		ctx := n.baseCtx
		n.mu.Unlock()
		log.Info().Str("table_id", session.TableID).Msg("retrying transport fetch cycle")
		n.refresh(ctx, session, true)
	})
}

func (n *Negotiator) cancelRetryLocked() {
	if n.retry != nil {
		n.retry.Stop()
		n.retry = nil
	}
}

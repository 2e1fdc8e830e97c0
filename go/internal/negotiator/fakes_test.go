package negotiator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/stream"
	"github.com/mcdev12/arena/go/internal/transport"
)

var errOpen = errors.New("open failed")

type attemptLog struct {
	mu       sync.Mutex
	attempts []stream.Candidate
	handles  []*fakeHandle
}

func (l *attemptLog) add(c stream.Candidate, h *fakeHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, c)
	if h != nil {
		l.handles = append(l.handles, h)
	}
}

func (l *attemptLog) all() []stream.Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]stream.Candidate(nil), l.attempts...)
}

func (l *attemptLog) kinds() []stream.Kind {
	var out []stream.Kind
	for _, c := range l.all() {
		out = append(out, c.Kind)
	}
	return out
}

func (l *attemptLog) lastHandle() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

type fakeConnector struct {
	kind     stream.Kind
	log      *attemptLog
	deferred bool

	mu   sync.Mutex
	fail bool
}

func (c *fakeConnector) Kind() stream.Kind { return c.kind }

func (c *fakeConnector) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func (c *fakeConnector) Open(_ context.Context, locator string, r transport.Reporter) (transport.Handle, error) {
	c.mu.Lock()
	fail := c.fail
	c.mu.Unlock()
	cand := stream.Candidate{Kind: c.kind, Locator: locator}
	if fail {
		c.log.add(cand, nil)
		return nil, errOpen
	}
	h := &fakeHandle{kind: c.kind, locator: locator, reporter: r, deferred: c.deferred}
	c.log.add(cand, h)
	return h, nil
}

type fakeHandle struct {
	kind     stream.Kind
	locator  string
	reporter transport.Reporter
	deferred bool

	mu      sync.Mutex
	lease   *transport.Lease
	closed  bool
	reloads int
}

func (h *fakeHandle) Kind() stream.Kind { return h.kind }
func (h *fakeHandle) Locator() string   { return h.locator }

func (h *fakeHandle) Attach(lease *transport.Lease) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lease = lease
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.lease.Release()
	return nil
}

func (h *fakeHandle) DeferredAttach() bool { return h.deferred }

func (h *fakeHandle) Reload(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reloads++
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) reloadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloads
}

type lobbyFunc func(ctx context.Context, session models.TableSession) (any, error)

func (f lobbyFunc) TableSnapshot(ctx context.Context, session models.TableSession) (any, error) {
	return f(ctx, session)
}

func emptyLobby() Lobby {
	return lobbyFunc(func(context.Context, models.TableSession) (any, error) {
		return map[string]any{"code": 0, "msg": "ok"}, nil
	})
}

type harness struct {
	n          *Negotiator
	clock      *clockwork.FakeClock
	log        *attemptLog
	surface    *transport.Surface
	connectors map[stream.Kind]*fakeConnector
}

func newHarness(t *testing.T, lobby Lobby) *harness {
	t.Helper()
	h := &harness{
		clock:      clockwork.NewFakeClock(),
		log:        &attemptLog{},
		surface:    transport.NewSurface(nil),
		connectors: make(map[stream.Kind]*fakeConnector),
	}
	var conns []transport.Connector
	for _, kind := range []stream.Kind{stream.KindFLV, stream.KindWebRTC, stream.KindHLS, stream.KindPlainFile, stream.KindEmbed} {
		c := &fakeConnector{kind: kind, log: h.log, deferred: kind == stream.KindWebRTC}
		h.connectors[kind] = c
		conns = append(conns, c)
	}
	builder := stream.NewBuilder(stream.DefaultTemplates(), stream.DefaultStreamIDs())
	h.n = New(DefaultConfig(), h.clock, lobby, builder, h.surface, nil, conns...)
	t.Cleanup(h.n.Close)
	return h
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

package viewer

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/negotiator"
	"github.com/mcdev12/arena/go/internal/round"
	"github.com/mcdev12/arena/go/internal/stream"
	"github.com/mcdev12/arena/go/internal/transport"
)

type openLog struct {
	mu       sync.Mutex
	locators []string
}

func (l *openLog) add(locator string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locators = append(l.locators, locator)
}

func (l *openLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.locators...)
}

type stubConnector struct {
	kind stream.Kind
	log  *openLog
}

func (c *stubConnector) Kind() stream.Kind { return c.kind }

func (c *stubConnector) Open(_ context.Context, locator string, _ transport.Reporter) (transport.Handle, error) {
	c.log.add(locator)
	return &stubHandle{kind: c.kind, locator: locator}, nil
}

type stubHandle struct {
	kind    stream.Kind
	locator string

	mu    sync.Mutex
	lease *transport.Lease
}

func (h *stubHandle) Kind() stream.Kind { return h.kind }
func (h *stubHandle) Locator() string   { return h.locator }

func (h *stubHandle) Attach(lease *transport.Lease) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lease = lease
	return nil
}

func (h *stubHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lease.Release()
	return nil
}

type blockingLobby struct {
	table   string
	started chan struct{}
	release chan struct{}
}

// TableSnapshot blocks for the chosen table until released, ignoring
// cancellation like a slow origin would.
func (l *blockingLobby) TableSnapshot(_ context.Context, ts models.TableSession) (any, error) {
	if ts.TableID == l.table {
		close(l.started)
		<-l.release
		return map[string]any{"video_url": "https://cdn/" + ts.TableID + "/live.m3u8"}, nil
	}
	return map[string]any{}, nil
}

func TestTableSwitchSupersedesSlowFetch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	opened := &openLog{}
	var conns []transport.Connector
	for _, kind := range []stream.Kind{stream.KindFLV, stream.KindWebRTC, stream.KindHLS} {
		conns = append(conns, &stubConnector{kind: kind, log: opened})
	}
	lobby := &blockingLobby{table: "CF01", started: make(chan struct{}), release: make(chan struct{})}
	builder := stream.NewBuilder(stream.DefaultTemplates(), stream.DefaultStreamIDs())
	neg := negotiator.New(negotiator.DefaultConfig(), clock, lobby, builder, transport.NewSurface(nil), nil, conns...)
	rounds := round.NewSynchronizer(round.DefaultConfig(), clock, nil, nil)
	s := NewSession(neg, rounds, nil, clock)
	t.Cleanup(s.Close)

	s.SelectTable(models.TableSession{TableID: "CF01", SessionToken: "tok"})
	<-lobby.started
	s.SelectTable(models.TableSession{TableID: "CF02", SessionToken: "tok"})

	if got := s.State().Video.TableID; got != "CF02" {
		t.Fatalf("video table = %q while the CF01 fetch is still blocked", got)
	}
	close(lobby.release)

	eventually(t, "CF02 attached", func() bool {
		v := s.State().Video
		return v.TableID == "CF02" && v.State == negotiator.StateAttached
	})
	for _, locator := range opened.all() {
		if strings.Contains(locator, "CF01") || strings.Contains(locator, "1012") {
			t.Fatalf("stale CF01 cycle opened %s (all: %v)", locator, opened.all())
		}
	}
	if v := s.State().Video; !strings.Contains(v.Locator, "1022") {
		t.Fatalf("attached %s, want the CF02 stream", v.Locator)
	}
}

package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/arena/go/internal/stream"
)

type reportEvent struct {
	kind   string
	handle Handle
	err    *PlaybackError
}

type fakeReporter struct {
	mu     sync.Mutex
	events []reportEvent
}

func (r *fakeReporter) record(e reportEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *fakeReporter) Attached(h Handle) { r.record(reportEvent{kind: "attached", handle: h}) }
func (r *fakeReporter) Degraded(h Handle, _ string) {
	r.record(reportEvent{kind: "degraded", handle: h})
}
func (r *fakeReporter) Recovered(h Handle) { r.record(reportEvent{kind: "recovered", handle: h}) }
func (r *fakeReporter) Failed(h Handle, err *PlaybackError) {
	r.record(reportEvent{kind: "failed", handle: h, err: err})
}

func (r *fakeReporter) find(kind string) (reportEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.kind == kind {
			return e, true
		}
	}
	return reportEvent{}, false
}

func (r *fakeReporter) has(kind string) bool {
	_, ok := r.find(kind)
	return ok
}

type recordingRenderer struct {
	mu      sync.Mutex
	packets []Packet
}

func (r *recordingRenderer) Render(_ stream.Kind, p Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, p)
	return nil
}

func (r *recordingRenderer) snapshot() []Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Packet(nil), r.packets...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

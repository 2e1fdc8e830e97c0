package transport

import (
	"errors"
	"testing"

	"github.com/mcdev12/arena/go/internal/stream"
)

func TestSurfaceSingleOwner(t *testing.T) {
	s := NewSurface(nil)
	first, err := s.Acquire(stream.KindFLV)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := s.Acquire(stream.KindHLS); !errors.Is(err, ErrSurfaceBusy) {
		t.Fatalf("expected ErrSurfaceBusy, got %v", err)
	}

	first.Release()
	first.Release()
	second, err := s.Acquire(stream.KindHLS)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if kind, ok := s.Owner(); !ok || kind != stream.KindHLS {
		t.Fatalf("Owner = %v, %v", kind, ok)
	}
	if err := first.Write(Packet{Track: TrackVideo}); !errors.Is(err, ErrLeaseReleased) {
		t.Fatalf("stale lease write: %v", err)
	}
	// A stale release must not free the current owner.
	first.Release()
	if _, ok := s.Owner(); !ok {
		t.Fatal("stale release freed the surface")
	}
	second.Release()
}

func TestSurfaceKeepsLastKeyframe(t *testing.T) {
	r := &recordingRenderer{}
	s := NewSurface(r)
	l, _ := s.Acquire(stream.KindFLV)
	l.Write(Packet{Track: TrackVideo, Keyframe: true, Payload: []byte{1}})
	l.Write(Packet{Track: TrackVideo, Payload: []byte{2}})
	l.Release()

	frame, ok := s.LastFrame()
	if !ok || frame.Payload[0] != 1 {
		t.Fatalf("LastFrame = %+v, %v", frame, ok)
	}
	if s.Written() != 2 || len(r.snapshot()) != 2 {
		t.Fatalf("written = %d, rendered = %d", s.Written(), len(r.snapshot()))
	}
}

package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/mcdev12/arena/go/internal/stream"
)

var (
	// ErrSurfaceBusy is returned by Acquire while another lease is held.
	ErrSurfaceBusy = errors.New("transport: surface already owned")
	// ErrLeaseReleased is returned when writing through a released lease.
	ErrLeaseReleased = errors.New("transport: lease released")
)

// TrackType identifies what a packet carries.
type TrackType int

const (
	TrackVideo TrackType = iota + 1
	TrackAudio
	TrackScript
	// TrackMuxed carries a container chunk (an HLS segment, a file range).
	TrackMuxed
)

// Packet is one unit of media handed to the surface.
type Packet struct {
	Track     TrackType
	Timestamp time.Duration
	Keyframe  bool
	Payload   []byte
}

// Renderer decodes and displays packets. It belongs to the presentation layer.
type Renderer interface {
	Render(kind stream.Kind, p Packet) error
}

// Surface is the single playback surface. At most one lease exists at a time;
// the previous owner must release before the next can acquire.
type Surface struct {
	mu        sync.Mutex
	owner     *Lease
	renderer  Renderer
	lastFrame *Packet
	written   uint64
}

// NewSurface returns a surface rendering through r. A nil renderer discards
// packets after recording the last keyframe.
func NewSurface(r Renderer) *Surface {
	return &Surface{renderer: r}
}

// Acquire hands the surface to a transport of the given kind.
func (s *Surface) Acquire(kind stream.Kind) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != nil {
		return nil, ErrSurfaceBusy
	}
	l := &Lease{surface: s, kind: kind}
	s.owner = l
	return l, nil
}

// Owner returns the kind holding the surface, if any.
func (s *Surface) Owner() (stream.Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == nil {
		return stream.KindUnknown, false
	}
	return s.owner.kind, true
}

// LastFrame returns the last keyframe written. It stays available after the
// lease is released so the frozen frame can be shown under a spinner.
func (s *Surface) LastFrame() (Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFrame == nil {
		return Packet{}, false
	}
	return *s.lastFrame, true
}

// Written returns the number of packets accepted since creation.
func (s *Surface) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Surface) write(l *Lease, p Packet) error {
	s.mu.Lock()
	if s.owner != l {
		s.mu.Unlock()
		return ErrLeaseReleased
	}
	s.written++
	if p.Keyframe {
		frame := p
		s.lastFrame = &frame
	}
	r := s.renderer
	s.mu.Unlock()

	if r == nil {
		return nil
	}
	return r.Render(l.kind, p)
}

func (s *Surface) release(l *Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == l {
		s.owner = nil
	}
}

// Lease is exclusive write access to the surface.
type Lease struct {
	surface *Surface
	kind    stream.Kind
	once    sync.Once
}

// Kind returns the transport kind that acquired the lease.
func (l *Lease) Kind() stream.Kind { return l.kind }

// Write delivers a packet. It fails once the lease is released.
func (l *Lease) Write(p Packet) error {
	return l.surface.write(l, p)
}

// Release gives the surface back. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.surface.release(l) })
}

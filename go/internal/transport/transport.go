// Package transport holds the connectors that attach one live-video delivery
// mechanism to the playback surface.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/arena/go/internal/stream"
)

var (
	// ErrNegotiation marks a failed WebRTC offer/answer exchange.
	ErrNegotiation = errors.New("transport: negotiation failed")
	// ErrUnsupported is returned when no capability can play a locator.
	ErrUnsupported = errors.New("transport: unsupported source")
)

// ErrorClass groups playback failures by the reaction they call for.
type ErrorClass int

const (
	ClassNetwork ErrorClass = iota + 1
	ClassDecode
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassDecode:
		return "decode"
	default:
		return "fatal"
	}
}

// Playback-element error codes. Zero means "no error recorded" and is treated
// as transient.
const (
	MediaErrAborted         = 1
	MediaErrNetwork         = 2
	MediaErrDecode          = 3
	MediaErrSrcNotSupported = 4
)

// PlaybackError is a failure reported by an attached handle.
type PlaybackError struct {
	Kind  stream.Kind
	Class ErrorClass
	// Code is the playback-element error code; Element marks errors that
	// came from a playback element rather than a streaming library.
	Code    int
	Element bool
	Err     error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("%s playback %s error (code %d): %v", e.Kind, e.Class, e.Code, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// Transient reports whether the error is a playback-element event without a
// defined code. Those are ignored.
func (e *PlaybackError) Transient() bool {
	return e.Element && e.Code == 0
}

// Reporter receives asynchronous state changes from handles. Reports for a
// handle that is no longer active are ignored by the receiver.
type Reporter interface {
	Attached(h Handle)
	Degraded(h Handle, reason string)
	Recovered(h Handle)
	Failed(h Handle, err *PlaybackError)
}

// Connector opens one kind of transport.
type Connector interface {
	Kind() stream.Kind
	// Open establishes the connection without touching the surface.
	Open(ctx context.Context, locator string, r Reporter) (Handle, error)
}

// Handle is an opened transport.
type Handle interface {
	Kind() stream.Kind
	Locator() string
	// Attach starts delivering media into the lease.
	Attach(lease *Lease) error
	// Close releases every resource held by the handle, including the lease.
	// Nothing is written to the surface after Close returns.
	Close() error
}

// Deferred is implemented by handles that report Attached themselves once
// the first media arrives rather than when Attach returns.
type Deferred interface {
	DeferredAttach() bool
}

// Reloader is implemented by handles that can unload and reload their player
// without switching transport kind.
type Reloader interface {
	Reload(ctx context.Context) error
}

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/stream"
)

// HLSErrorType classifies decoder errors the way streaming libraries do.
type HLSErrorType int

const (
	HLSNetworkError HLSErrorType = iota + 1
	HLSMediaError
	HLSOtherError
)

func (t HLSErrorType) String() string {
	switch t {
	case HLSNetworkError:
		return "network"
	case HLSMediaError:
		return "media"
	default:
		return "other"
	}
}

// HLSError is emitted by an HLSDecoder.
type HLSError struct {
	Type  HLSErrorType
	Fatal bool
	Err   error
}

func (e HLSError) Error() string {
	return fmt.Sprintf("hls %s error (fatal=%t): %v", e.Type, e.Fatal, e.Err)
}

// HLSDecoder is the library decoder capability.
type HLSDecoder interface {
	LoadSource(src string)
	AttachMedia(lease *Lease)
	// StartLoad restarts loading from the current position.
	StartLoad()
	// RecoverMediaError resets the media pipeline and resumes.
	RecoverMediaError()
	Destroy()
}

// HLSDecoderFactory builds a decoder that reports errors through onError and
// calls onLoaded after each segment it delivers.
type HLSDecoderFactory func(onError func(HLSError), onLoaded func()) HLSDecoder

// Recoverable decoder errors are retried after hlsRetryBase, doubling each
// time. After hlsMaxRetries in a row without a delivered segment the handle
// fails.
const (
	hlsRetryBase  = time.Second
	hlsMaxRetries = 4
)

// HLSConnector prefers native playback and falls back to the library decoder.
type HLSConnector struct {
	element MediaElement
	decoder HLSDecoderFactory
	clock   clockwork.Clock
}

// NewHLSConnector returns an HLS connector. element may be nil when the host
// has no native playback capability.
func NewHLSConnector(element MediaElement, decoder HLSDecoderFactory, clock clockwork.Clock) *HLSConnector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HLSConnector{element: element, decoder: decoder, clock: clock}
}

func (c *HLSConnector) Kind() stream.Kind { return stream.KindHLS }

func (c *HLSConnector) Open(_ context.Context, locator string, r Reporter) (Handle, error) {
	if c.element != nil && c.element.CanPlayType(mimeHLS) {
		return newElementHandle(stream.KindHLS, locator, c.element, r), nil
	}
	if c.decoder == nil {
		return nil, fmt.Errorf("%w: no hls capability", ErrUnsupported)
	}
	h := &hlsHandle{locator: locator, reporter: r, clock: c.clock}
	h.decoder = c.decoder(h.onError, h.onLoaded)
	h.decoder.LoadSource(locator)
	return h, nil
}

type hlsHandle struct {
	locator  string
	reporter Reporter
	decoder  HLSDecoder
	clock    clockwork.Clock

	mu       sync.Mutex
	lease    *Lease
	closed   bool
	retries  int
	retry    clockwork.Timer
	degraded bool
}

func (h *hlsHandle) Kind() stream.Kind { return stream.KindHLS }
func (h *hlsHandle) Locator() string   { return h.locator }

func (h *hlsHandle) Attach(lease *Lease) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrLeaseReleased
	}
	h.lease = lease
	h.mu.Unlock()

	h.decoder.AttachMedia(lease)
	h.decoder.StartLoad()
	return nil
}

func (h *hlsHandle) onError(e HLSError) {
	h.mu.Lock()
	if h.closed || !e.Fatal {
		h.mu.Unlock()
		return
	}

	var resume func()
	switch e.Type {
	case HLSNetworkError:
		resume = h.decoder.StartLoad
	case HLSMediaError:
		resume = h.decoder.RecoverMediaError
	default:
		h.mu.Unlock()
		h.fail(ClassFatal, e)
		return
	}

	if h.retries >= hlsMaxRetries {
		retries := h.retries
		h.mu.Unlock()
		log.Error().Err(e.Err).Str("locator", h.locator).Int("retries", retries).Msg("hls retries exhausted")
		class := ClassNetwork
		if e.Type == HLSMediaError {
			class = ClassDecode
		}
		h.fail(class, e)
		return
	}
	delay := hlsRetryBase << h.retries
	h.retries++
	first := !h.degraded
	h.degraded = true
	if h.retry != nil {
		h.retry.Stop()
	}
	h.retry = h.clock.AfterFunc(delay, func() {
		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if !closed {
			resume()
		}
	})
	h.mu.Unlock()

	log.Warn().Err(e.Err).Str("locator", h.locator).Str("type", e.Type.String()).Dur("delay", delay).Msg("hls error, retrying")
	if first {
		h.reporter.Degraded(h, "hls "+e.Type.String()+" error")
	}
}

// onLoaded resets the retry budget once media flows again.
func (h *hlsHandle) onLoaded() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.retries = 0
	recovered := h.degraded
	h.degraded = false
	h.mu.Unlock()
	if recovered {
		h.reporter.Recovered(h)
	}
}

func (h *hlsHandle) fail(class ErrorClass, e HLSError) {
	h.decoder.Destroy()
	h.reporter.Failed(h, &PlaybackError{Kind: stream.KindHLS, Class: class, Err: e})
}

func (h *hlsHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	lease := h.lease
	h.lease = nil
	if h.retry != nil {
		h.retry.Stop()
		h.retry = nil
	}
	h.mu.Unlock()

	h.decoder.Destroy()
	lease.Release()
	return nil
}

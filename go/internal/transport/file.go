package transport

import (
	"context"
	"sync"

	"github.com/mcdev12/arena/go/internal/stream"
)

// FileConnector plays MP4/WebM files through the native element.
type FileConnector struct {
	element MediaElement
}

func NewFileConnector(element MediaElement) *FileConnector {
	if element == nil {
		element = NewHTTPElement(nil)
	}
	return &FileConnector{element: element}
}

func (c *FileConnector) Kind() stream.Kind { return stream.KindPlainFile }

func (c *FileConnector) Open(_ context.Context, locator string, r Reporter) (Handle, error) {
	return newElementHandle(stream.KindPlainFile, locator, c.element, r), nil
}

// elementHandle drives a MediaElement for one source.
type elementHandle struct {
	kind     stream.Kind
	locator  string
	element  MediaElement
	reporter Reporter

	mu     sync.Mutex
	lease  *Lease
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func newElementHandle(kind stream.Kind, locator string, element MediaElement, r Reporter) *elementHandle {
	return &elementHandle{kind: kind, locator: locator, element: element, reporter: r}
}

func (h *elementHandle) Kind() stream.Kind { return h.kind }
func (h *elementHandle) Locator() string   { return h.locator }

func (h *elementHandle) Attach(lease *Lease) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrLeaseReleased
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.lease, h.cancel, h.done = lease, cancel, make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		h.element.Play(ctx, h.locator, lease, func(code int, err error) {
			if ctx.Err() != nil {
				return
			}
			h.reporter.Failed(h, elementError(h.kind, code, err))
		})
	}(h.done)
	return nil
}

func (h *elementHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cancel, done, lease := h.cancel, h.done, h.lease
	h.lease = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	lease.Release()
	if done != nil {
		<-done
	}
	return nil
}

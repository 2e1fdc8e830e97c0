package transport

import (
	"context"

	"github.com/mcdev12/arena/go/internal/stream"
)

// EmbedConnector records an embeddable player locator. No player object is
// created and the surface lease is only held to keep ownership exclusive.
type EmbedConnector struct{}

func (EmbedConnector) Kind() stream.Kind { return stream.KindEmbed }

func (EmbedConnector) Open(_ context.Context, locator string, _ Reporter) (Handle, error) {
	return &embedHandle{locator: locator}, nil
}

type embedHandle struct {
	locator string
	lease   *Lease
}

func (h *embedHandle) Kind() stream.Kind { return stream.KindEmbed }
func (h *embedHandle) Locator() string   { return h.locator }

func (h *embedHandle) Attach(lease *Lease) error {
	h.lease = lease
	return nil
}

func (h *embedHandle) Close() error {
	h.lease.Release()
	return nil
}

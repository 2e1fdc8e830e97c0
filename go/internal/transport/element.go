package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mcdev12/arena/go/internal/stream"
)

// MediaElement is the native playback capability of the host.
type MediaElement interface {
	CanPlayType(mime string) bool
	// Play streams src into lease until ctx is cancelled or playback ends.
	// Failures are reported through onError with playback-element codes.
	Play(ctx context.Context, src string, lease *Lease, onError func(code int, err error))
}

const (
	mimeHLS  = "application/vnd.apple.mpegurl"
	mimeMP4  = "video/mp4"
	mimeWebM = "video/webm"
)

// HTTPElement plays progressive files fetched over HTTP. It has no native
// HLS support, so HLS goes through the library decoder.
type HTTPElement struct {
	Client    *http.Client
	ChunkSize int
}

func NewHTTPElement(client *http.Client) *HTTPElement {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPElement{Client: client, ChunkSize: 64 << 10}
}

func (e *HTTPElement) CanPlayType(mime string) bool {
	switch strings.ToLower(mime) {
	case mimeMP4, mimeWebM:
		return true
	}
	return false
}

func (e *HTTPElement) Play(ctx context.Context, src string, lease *Lease, onError func(code int, err error)) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		onError(MediaErrSrcNotSupported, fmt.Errorf("failed to create request: %w", err))
		return
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			onError(MediaErrNetwork, fmt.Errorf("failed to make request: %w", err))
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		onError(MediaErrSrcNotSupported, fmt.Errorf("source returned status code: %d", resp.StatusCode))
		return
	}

	size := e.ChunkSize
	if size <= 0 {
		size = 64 << 10
	}
	first := true
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if werr := lease.Write(Packet{Track: TrackMuxed, Keyframe: first, Payload: buf[:n]}); werr != nil {
				return
			}
			first = false
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				onError(MediaErrNetwork, err)
			}
			return
		}
	}
}

// elementError maps a playback-element code to a PlaybackError.
func elementError(kind stream.Kind, code int, err error) *PlaybackError {
	class := ClassFatal
	switch code {
	case MediaErrNetwork:
		class = ClassNetwork
	case MediaErrDecode:
		class = ClassDecode
	}
	return &PlaybackError{Kind: kind, Class: class, Code: code, Element: true, Err: err}
}

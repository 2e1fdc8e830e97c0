package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/grafov/m3u8"
	"github.com/jonboulle/clockwork"
)

// PlaylistDecoder is the built-in HLS decoder. It polls the media playlist
// every target duration and writes each new segment to the lease as one
// muxed packet.
type PlaylistDecoder struct {
	client   *http.Client
	clock    clockwork.Clock
	onError  func(HLSError)
	onLoaded func()

	mu      sync.Mutex
	src     string
	lease   *Lease
	cancel  context.CancelFunc
	done    chan struct{}
	lastSeq uint64
	started bool
	elapsed time.Duration
}

// NewPlaylistDecoderFactory returns a factory building PlaylistDecoders.
func NewPlaylistDecoderFactory(client *http.Client, clock clockwork.Clock) HLSDecoderFactory {
	if client == nil {
		client = &http.Client{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return func(onError func(HLSError), onLoaded func()) HLSDecoder {
		if onLoaded == nil {
			onLoaded = func() {}
		}
		return &PlaylistDecoder{client: client, clock: clock, onError: onError, onLoaded: onLoaded}
	}
}

func (d *PlaylistDecoder) LoadSource(src string) {
	d.mu.Lock()
	d.src = src
	d.mu.Unlock()
}

func (d *PlaylistDecoder) AttachMedia(lease *Lease) {
	d.mu.Lock()
	d.lease = lease
	d.mu.Unlock()
}

func (d *PlaylistDecoder) StartLoad() {
	d.restart()
}

// RecoverMediaError drops the segment position so the next poll starts
// from the live edge again.
func (d *PlaylistDecoder) RecoverMediaError() {
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	d.restart()
}

func (d *PlaylistDecoder) Destroy() {
	d.stop()
	d.mu.Lock()
	d.lease = nil
	d.mu.Unlock()
}

func (d *PlaylistDecoder) restart() {
	d.stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lease == nil || d.src == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(ctx, d.src, d.lease, d.done)
}

func (d *PlaylistDecoder) stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// loop runs one load cycle. The error callback fires after done is closed so
// a callback that restarts the decoder does not wait on itself.
func (d *PlaylistDecoder) loop(ctx context.Context, src string, lease *Lease, done chan struct{}) {
	err := d.run(ctx, src, lease)
	close(done)
	if err == nil || ctx.Err() != nil || errors.Is(err, ErrLeaseReleased) {
		return
	}
	var he HLSError
	if !errors.As(err, &he) {
		he = HLSError{Type: HLSOtherError, Fatal: true, Err: err}
	}
	d.onError(he)
}

func (d *PlaylistDecoder) run(ctx context.Context, src string, lease *Lease) error {
	mediaURL, err := d.resolveMedia(ctx, src)
	if err != nil {
		return err
	}
	for {
		playlist, err := d.fetchMedia(ctx, mediaURL)
		if err != nil {
			return err
		}
		if err := d.deliver(ctx, mediaURL, playlist, lease); err != nil {
			return err
		}
		if playlist.Closed {
			return nil
		}

		wait := time.Duration(playlist.TargetDuration * float64(time.Second))
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.clock.After(wait):
		}
	}
}

// resolveMedia follows a master playlist to its highest-bandwidth variant.
func (d *PlaylistDecoder) resolveMedia(ctx context.Context, src string) (*url.URL, error) {
	base, err := url.Parse(src)
	if err != nil {
		return nil, HLSError{Type: HLSOtherError, Fatal: true, Err: err}
	}
	body, err := d.get(ctx, base.String())
	if err != nil {
		return nil, err
	}
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, HLSError{Type: HLSMediaError, Fatal: true, Err: fmt.Errorf("decode playlist: %w", err)}
	}
	if listType != m3u8.MASTER {
		return base, nil
	}

	master := playlist.(*m3u8.MasterPlaylist)
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return nil, HLSError{Type: HLSMediaError, Fatal: true, Err: errors.New("master playlist has no variants")}
	}
	ref, err := url.Parse(best.URI)
	if err != nil {
		return nil, HLSError{Type: HLSMediaError, Fatal: true, Err: err}
	}
	return base.ResolveReference(ref), nil
}

func (d *PlaylistDecoder) fetchMedia(ctx context.Context, u *url.URL) (*m3u8.MediaPlaylist, error) {
	body, err := d.get(ctx, u.String())
	if err != nil {
		return nil, err
	}
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, HLSError{Type: HLSMediaError, Fatal: true, Err: fmt.Errorf("decode playlist: %w", err)}
	}
	if listType != m3u8.MEDIA {
		return nil, HLSError{Type: HLSMediaError, Fatal: true, Err: errors.New("expected media playlist")}
	}
	return playlist.(*m3u8.MediaPlaylist), nil
}

func (d *PlaylistDecoder) deliver(ctx context.Context, base *url.URL, playlist *m3u8.MediaPlaylist, lease *Lease) error {
	d.mu.Lock()
	lastSeq, started := d.lastSeq, d.started
	d.mu.Unlock()

	var index uint64
	for _, seg := range playlist.Segments {
		if seg == nil {
			continue
		}
		seq := playlist.SeqNo + index
		index++
		if started && seq <= lastSeq {
			continue
		}
		ref, err := url.Parse(seg.URI)
		if err != nil {
			return HLSError{Type: HLSMediaError, Fatal: true, Err: err}
		}
		data, err := d.get(ctx, base.ResolveReference(ref).String())
		if err != nil {
			return err
		}

		d.mu.Lock()
		ts := d.elapsed
		d.elapsed += time.Duration(seg.Duration * float64(time.Second))
		d.lastSeq, d.started = seq, true
		d.mu.Unlock()

		if err := lease.Write(Packet{Track: TrackMuxed, Timestamp: ts, Keyframe: true, Payload: data}); err != nil {
			return err
		}
		d.onLoaded()
	}
	return nil
}

func (d *PlaylistDecoder) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, HLSError{Type: HLSOtherError, Fatal: true, Err: err}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, HLSError{Type: HLSNetworkError, Fatal: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, HLSError{Type: HLSNetworkError, Fatal: true, Err: fmt.Errorf("%s returned status code: %d", target, resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, HLSError{Type: HLSNetworkError, Fatal: true, Err: err}
	}
	return body, nil
}

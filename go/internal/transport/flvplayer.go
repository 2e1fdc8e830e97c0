package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/stream"
	"github.com/mcdev12/arena/go/internal/transport/flv"
)

// FLVConfig configures the progressive player.
type FLVConfig struct {
	// Live marks the source as continuous: EOF is a failure, not the end.
	Live bool
	// StashBuffer is the read-ahead in bytes. 0 keeps only the minimum needed
	// to parse a tag header, which keeps end-to-end latency low.
	StashBuffer int
	// EnableWorker decodes on a separate goroutine fed through a channel.
	EnableWorker bool
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer
}

// DefaultFLVConfig is tuned for live low-latency playback.
func DefaultFLVConfig() FLVConfig {
	return FLVConfig{
		Live:        true,
		StashBuffer: 0,
		HTTPClient:  &http.Client{},
		Dialer:      websocket.DefaultDialer,
	}
}

// FLVConnector opens a dedicated streaming player per handle.
type FLVConnector struct {
	cfg FLVConfig
}

// NewFLVConnector returns a progressive FLV connector.
func NewFLVConnector(cfg FLVConfig) *FLVConnector {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &FLVConnector{cfg: cfg}
}

func (c *FLVConnector) Kind() stream.Kind { return stream.KindFLV }

// Open connects to the source and validates the FLV header. Header errors are
// reported as decode-class, connection errors as network-class.
func (c *FLVConnector) Open(ctx context.Context, locator string, r Reporter) (Handle, error) {
	p := &flvPlayer{cfg: c.cfg, locator: locator, reporter: r}
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// flvPlayer is one player instance bound to one locator.
type flvPlayer struct {
	cfg      FLVConfig
	locator  string
	reporter Reporter

	mu     sync.Mutex
	src    io.ReadCloser
	reader *flv.Reader
	lease  *Lease
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func (p *flvPlayer) Kind() stream.Kind { return stream.KindFLV }
func (p *flvPlayer) Locator() string   { return p.locator }

func (p *flvPlayer) load(ctx context.Context) error {
	src, err := p.dial(ctx)
	if err != nil {
		return &PlaybackError{Kind: stream.KindFLV, Class: ClassNetwork, Err: err}
	}
	reader := flv.NewReader(src, p.cfg.StashBuffer)
	if _, err := reader.ReadHeader(); err != nil {
		src.Close()
		return p.classify(err)
	}
	p.mu.Lock()
	p.src = src
	p.reader = reader
	p.mu.Unlock()
	return nil
}

func (p *flvPlayer) dial(ctx context.Context) (io.ReadCloser, error) {
	lower := strings.ToLower(p.locator)
	if strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://") {
		conn, resp, err := p.cfg.Dialer.DialContext(ctx, p.locator, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: status %d: %w", p.locator, resp.StatusCode, err)
			}
			return nil, fmt.Errorf("dial %s: %w", p.locator, err)
		}
		return &wsStream{conn: conn}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.locator, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("stream returned status code: %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Attach starts the tag pump. The pump owns the reader until it exits.
func (p *flvPlayer) Attach(lease *Lease) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrLeaseReleased
	}
	p.lease = lease
	p.startLocked()
	return nil
}

func (p *flvPlayer) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.pump(ctx, p.reader, p.lease, p.done)
}

func (p *flvPlayer) pump(ctx context.Context, reader *flv.Reader, lease *Lease, done chan struct{}) {
	defer close(done)

	deliver := func(tag flv.Tag) error { return lease.Write(tagPacket(tag)) }
	if p.cfg.EnableWorker {
		tags := make(chan flv.Tag, 64)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tag := range tags {
				if err := lease.Write(tagPacket(tag)); err != nil {
					return
				}
			}
		}()
		defer wg.Wait()
		defer close(tags)
		deliver = func(tag flv.Tag) error {
			select {
			case tags <- tag:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	for {
		tag, err := reader.ReadTag()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) && !p.cfg.Live {
				return
			}
			p.reporter.Failed(p, p.classify(err))
			return
		}
		if err := deliver(tag); err != nil {
			return
		}
	}
}

func (p *flvPlayer) classify(err error) *PlaybackError {
	if flv.IsFormatError(err) {
		return &PlaybackError{Kind: stream.KindFLV, Class: ClassDecode, Code: MediaErrDecode, Err: err}
	}
	return &PlaybackError{Kind: stream.KindFLV, Class: ClassNetwork, Code: MediaErrNetwork, Err: err}
}

// Reload unloads the player and loads the same locator again, keeping the lease.
func (p *flvPlayer) Reload(ctx context.Context) error {
	p.unload()
	if err := p.load(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.src.Close()
		return ErrLeaseReleased
	}
	if p.lease != nil {
		p.startLocked()
	}
	log.Debug().Str("locator", p.locator).Msg("flv player reloaded")
	return nil
}

func (p *flvPlayer) unload() {
	p.mu.Lock()
	cancel, done, src := p.cancel, p.done, p.src
	p.cancel, p.done, p.src = nil, nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if src != nil {
		src.Close()
	}
	if done != nil {
		<-done
	}
}

// Close destroys the player instance and releases the lease.
func (p *flvPlayer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.unload()
	p.mu.Lock()
	lease := p.lease
	p.lease = nil
	p.mu.Unlock()
	lease.Release()
	return nil
}

func tagPacket(tag flv.Tag) Packet {
	track := TrackScript
	switch tag.Type {
	case flv.TagVideo:
		track = TrackVideo
	case flv.TagAudio:
		track = TrackAudio
	}
	return Packet{
		Track:     track,
		Timestamp: time.Duration(tag.Timestamp) * time.Millisecond,
		Keyframe:  tag.IsKeyframe(),
		Payload:   tag.Data,
	}
}

// wsStream presents binary WebSocket messages as one byte stream.
type wsStream struct {
	conn *websocket.Conn
	cur  io.Reader
}

func (s *wsStream) Read(b []byte) (int, error) {
	for {
		if s.cur == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.cur = r
		}
		n, err := s.cur.Read(b)
		if errors.Is(err, io.EOF) {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}

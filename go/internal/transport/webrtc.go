package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/clients"
	"github.com/mcdev12/arena/go/internal/stream"
)

// DefaultICEServers is the fixed public STUN set.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun.cloudflare.com:3478",
}

// Signaler exchanges an SDP offer for an answer.
type Signaler interface {
	PostOffer(ctx context.Context, endpoint string, offer clients.SignalingOffer) (clients.SignalingAnswer, error)
}

// WebRTCConfig configures the real-time connector.
type WebRTCConfig struct {
	ICEServers []string
	// GatherTimeout bounds the wait for ICE gathering before the offer is
	// sent with whatever candidates exist.
	GatherTimeout time.Duration
	Signaler      Signaler
	// Endpoint maps a locator to its signaling endpoint.
	Endpoint func(locator string) (string, error)
	ClientIP string
	Clock    clockwork.Clock
}

type WebRTCConnector struct {
	cfg WebRTCConfig
	api *webrtc.API
}

// NewWebRTCConnector returns a connector negotiating receive-only sessions.
func NewWebRTCConnector(cfg WebRTCConfig) (*WebRTCConnector, error) {
	if cfg.ICEServers == nil {
		cfg.ICEServers = DefaultICEServers
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 3 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Signaler == nil {
		cfg.Signaler = clients.NewSignalingClient()
	}
	if cfg.Endpoint == nil {
		b := stream.NewBuilder(stream.DefaultTemplates(), stream.DefaultStreamIDs())
		cfg.Endpoint = b.SignalingEndpoint
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return &WebRTCConnector{cfg: cfg, api: webrtc.NewAPI(webrtc.WithMediaEngine(m))}, nil
}

func (c *WebRTCConnector) Kind() stream.Kind { return stream.KindWebRTC }

// Open creates the peer connection and completes the offer/answer exchange.
// Media flows once a lease is attached; Attached is reported on first packet.
func (c *WebRTCConnector) Open(ctx context.Context, locator string, r Reporter) (Handle, error) {
	endpoint, err := c.cfg.Endpoint(locator)
	if err != nil {
		return nil, fmt.Errorf("%w: signaling endpoint: %v", ErrNegotiation, err)
	}

	var iceServers []webrtc.ICEServer
	if len(c.cfg.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: c.cfg.ICEServers}}
	}
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:    iceServers,
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: peer connection: %v", ErrNegotiation, err)
	}

	h := &rtcHandle{locator: locator, pc: pc, reporter: r}
	fail := func(step string, err error) (Handle, error) {
		pc.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrNegotiation, step, err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fail("add transceiver", err)
		}
	}
	pc.OnTrack(h.onTrack)
	pc.OnICEConnectionStateChange(h.onICEState)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail("create offer", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail("set local description", err)
	}
	select {
	case <-gatherComplete:
	case <-c.cfg.Clock.After(c.cfg.GatherTimeout):
		log.Debug().Str("locator", locator).Msg("ice gathering timed out, sending partial offer")
	case <-ctx.Done():
		return fail("gather", ctx.Err())
	}

	var clientIP any
	if c.cfg.ClientIP != "" {
		clientIP = c.cfg.ClientIP
	}
	answer, err := c.cfg.Signaler.PostOffer(ctx, endpoint, clients.SignalingOffer{
		API:       endpoint,
		TID:       uuid.NewString(),
		StreamURL: locator,
		ClientIP:  clientIP,
		SDP:       pc.LocalDescription().SDP,
	})
	if err != nil {
		return fail("signaling", err)
	}
	if answer.SDP == "" {
		return fail("signaling", fmt.Errorf("empty answer"))
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fail("set remote description", err)
	}

	log.Info().Str("locator", locator).Str("session_id", answer.SessionID).Msg("webrtc session negotiated")
	return h, nil
}

type rtcHandle struct {
	locator  string
	pc       *webrtc.PeerConnection
	reporter Reporter

	mu       sync.Mutex
	lease    *Lease
	pending  []*webrtc.TrackRemote
	closed   bool
	attached sync.Once
	once     sync.Once
}

func (h *rtcHandle) Kind() stream.Kind    { return stream.KindWebRTC }
func (h *rtcHandle) Locator() string      { return h.locator }
func (h *rtcHandle) DeferredAttach() bool { return true }

func (h *rtcHandle) Attach(lease *Lease) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrLeaseReleased
	}
	h.lease = lease
	for _, track := range h.pending {
		go h.pump(track, lease)
	}
	h.pending = nil
	return nil
}

func (h *rtcHandle) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.lease == nil {
		h.pending = append(h.pending, track)
		return
	}
	go h.pump(track, h.lease)
}

func (h *rtcHandle) pump(track *webrtc.TrackRemote, lease *Lease) {
	kind := TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = TrackVideo
	}
	codec := track.Codec()
	clockRate := codec.ClockRate
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		var ts time.Duration
		if clockRate > 0 {
			ts = time.Duration(pkt.Timestamp) * time.Second / time.Duration(clockRate)
		}
		p := Packet{Track: kind, Timestamp: ts, Keyframe: isKeyframe(kind, codec.MimeType, pkt.Payload), Payload: pkt.Payload}
		if err := lease.Write(p); err != nil {
			return
		}
		h.attached.Do(func() { h.reporter.Attached(h) })
	}
}

func (h *rtcHandle) onICEState(state webrtc.ICEConnectionState) {
	log.Debug().Str("locator", h.locator).Str("state", state.String()).Msg("ice connection state changed")
	switch state {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		h.reporter.Degraded(h, "ice "+state.String())
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		h.reporter.Recovered(h)
	}
}

func (h *rtcHandle) Close() error {
	var err error
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		lease := h.lease
		h.lease = nil
		h.pending = nil
		h.mu.Unlock()

		lease.Release()
		err = h.pc.Close()
	})
	return err
}

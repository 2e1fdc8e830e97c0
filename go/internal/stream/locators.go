package stream

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Templates hold the locator patterns used when the lobby gives no usable
// candidate. Placeholders: {table_id}, {stream_id}, {token}, {nonce}.
type Templates struct {
	FLV    string `yaml:"flv"`
	WebRTC string `yaml:"webrtc"`
	HLS    string `yaml:"hls"`
	// SignalingPath is appended to the WebRTC host to form the play endpoint.
	SignalingPath string `yaml:"signaling_path"`
}

// DefaultTemplates returns the production locator patterns.
func DefaultTemplates() Templates {
	return Templates{
		FLV:           "https://live.arena-stream.net/live/{stream_id}.flv?token={token}&n={nonce}",
		WebRTC:        "webrtc://live.arena-stream.net/live/{stream_id}?token={token}",
		HLS:           "https://cdn.arena-stream.net/hls/{table_id}/index.m3u8",
		SignalingPath: "/rtc/v1/play/",
	}
}

// Builder constructs fallback locators from a table id and session token.
type Builder struct {
	templates Templates
	ids       StreamIDs
	nonce     func() string
}

// NewBuilder returns a locator builder. Every FLV locator carries a fresh
// anti-replay nonce.
func NewBuilder(templates Templates, ids StreamIDs) *Builder {
	return &Builder{
		templates: templates,
		ids:       ids,
		nonce:     func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// StreamID exposes the mapped stream id for tableID.
func (b *Builder) StreamID(tableID string) (string, bool) {
	return b.ids.Lookup(tableID)
}

// FLV builds the progressive locator. It needs both a mapped id and a token.
func (b *Builder) FLV(tableID, token string) (Candidate, bool) {
	id, ok := b.ids.Lookup(tableID)
	if !ok || token == "" {
		return Candidate{}, false
	}
	return Candidate{Kind: KindFLV, Locator: b.fill(b.templates.FLV, tableID, id, token, b.nonce())}, true
}

// WebRTC builds the real-time locator. It needs both a mapped id and a token.
func (b *Builder) WebRTC(tableID, token string) (Candidate, bool) {
	id, ok := b.ids.Lookup(tableID)
	if !ok || token == "" {
		return Candidate{}, false
	}
	return Candidate{Kind: KindWebRTC, Locator: b.fill(b.templates.WebRTC, tableID, id, token, "")}, true
}

// HLS builds the last-resort locator, which works without a token.
func (b *Builder) HLS(tableID string) Candidate {
	return Candidate{Kind: KindHLS, Locator: b.fill(b.templates.HLS, tableID, "", "", "")}
}

// SignalingEndpoint derives the HTTP endpoint that accepts a play offer for a
// WebRTC locator. http(s) locators (WHEP style) are already endpoints.
func (b *Builder) SignalingEndpoint(locator string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.String(), nil
	}
	path := b.templates.SignalingPath
	if path == "" {
		path = "/rtc/v1/play/"
	}
	endpoint := url.URL{Scheme: "https", Host: u.Host, Path: path, RawQuery: u.RawQuery}
	return endpoint.String(), nil
}

func (b *Builder) fill(tmpl, tableID, streamID, token, nonce string) string {
	return strings.NewReplacer(
		"{table_id}", url.PathEscape(tableID),
		"{stream_id}", url.PathEscape(streamID),
		"{token}", url.QueryEscape(token),
		"{nonce}", nonce,
	).Replace(tmpl)
}

package transport

import (
	"encoding/binary"
	"strings"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

// H264 NAL unit types (RFC 6184).
const (
	naluIDR   = 5
	naluSPS   = 7
	naluSTAPA = 24
	naluFUA   = 28
)

// isKeyframe reports whether an RTP payload starts an independently
// decodable video frame. Audio payloads always are.
func isKeyframe(kind TrackType, mimeType string, payload []byte) bool {
	if kind != TrackVideo {
		return true
	}
	if len(payload) == 0 {
		return false
	}
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		var p codecs.VP8Packet
		frame, err := p.Unmarshal(payload)
		// the frame tag's inverted P bit marks a key frame
		return err == nil && p.S == 1 && p.PID == 0 && len(frame) > 0 && frame[0]&0x01 == 0
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP9):
		var p codecs.VP9Packet
		_, err := p.Unmarshal(payload)
		return err == nil && p.B && !p.P
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return h264Keyframe(payload)
	}
	return false
}

func h264Keyframe(payload []byte) bool {
	switch payload[0] & 0x1F {
	case naluIDR, naluSPS:
		return true
	case naluSTAPA:
		for rest := payload[1:]; len(rest) > 2; {
			size := int(binary.BigEndian.Uint16(rest))
			rest = rest[2:]
			if size == 0 || size > len(rest) {
				return false
			}
			if t := rest[0] & 0x1F; t == naluIDR || t == naluSPS {
				return true
			}
			rest = rest[size:]
		}
	case naluFUA:
		return len(payload) > 1 && payload[1]&0x80 != 0 && payload[1]&0x1F == naluIDR
	}
	return false
}

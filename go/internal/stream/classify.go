package stream

import "strings"

var (
	webrtcSchemes  = []string{"webrtc://", "rtc://"}
	webrtcMarkers  = []string{"/webrtc/", "/rtc/", "whep", "whip", "_sdp.sdp"}
	socketSchemes  = []string{"ws://", "wss://"}
	embedMarkers   = []string{"iframe", "embed", "player."}
	plainFileExts  = []string{".mp4", ".webm"}
	absoluteScheme = []string{"http://", "https://", "ws://", "wss://", "rtmp://", "rtsp://"}
)

// Classify maps a raw locator onto a transport kind. Rules are evaluated in
// order and the first match wins; matching is case-insensitive.
func Classify(locator string) Kind {
	l := strings.ToLower(strings.TrimSpace(locator))
	if l == "" {
		return KindUnknown
	}

	switch {
	case hasAnyPrefix(l, webrtcSchemes) || containsAny(l, webrtcMarkers):
		return KindWebRTC
	case strings.Contains(l, ".m3u8"):
		return KindHLS
	case strings.Contains(l, ".flv") || hasAnyPrefix(l, socketSchemes):
		// a bare socket is assumed to carry FLV tags
		return KindFLV
	case containsAny(l, embedMarkers):
		return KindEmbed
	case containsAny(l, plainFileExts):
		return KindPlainFile
	default:
		return KindUnknown
	}
}

// IsAbsolute reports whether locator starts with one of the schemes the deep
// scan accepts.
func IsAbsolute(locator string) bool {
	return hasAnyPrefix(strings.ToLower(strings.TrimSpace(locator)), absoluteScheme)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

package stream

import "strings"

// Kind is a live-video delivery mechanism.
type Kind int

const (
	KindUnknown Kind = iota
	KindWebRTC
	KindHLS
	KindFLV
	KindPlainFile
	KindEmbed
)

var kindNames = map[Kind]string{
	KindUnknown:   "unknown",
	KindWebRTC:    "webrtc",
	KindHLS:       "hls",
	KindFLV:       "flv",
	KindPlainFile: "file",
	KindEmbed:     "embed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText lets Kind appear by name in JSON read models.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Candidate is one possible way to receive video. Candidates are recomputed on
// every fetch cycle and never persisted.
type Candidate struct {
	Kind    Kind   `json:"kind"`
	Locator string `json:"locator"`
}

// rank orders kinds by how desirable they are to attach. WebRTC is last since
// it needs an authenticated signaling round-trip before any frame arrives.
var rank = map[Kind]int{
	KindHLS:       0,
	KindFLV:       1,
	KindEmbed:     2,
	KindPlainFile: 3,
	KindWebRTC:    4,
}

// Best returns the highest-ranked candidate. Ties keep discovery order.
func Best(cands []Candidate) (Candidate, bool) {
	var (
		best  Candidate
		found bool
	)
	for _, c := range cands {
		r, ok := rank[c.Kind]
		if !ok {
			continue
		}
		if !found || r < rank[best.Kind] {
			best = c
			found = true
		}
	}
	return best, found
}

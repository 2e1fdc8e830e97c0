package negotiator

import (
	"time"

	"github.com/mcdev12/arena/go/internal/stream"
)

// State is the negotiator lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateConnecting
	StateAttached
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateConnecting:
		return "connecting"
	case StateAttached:
		return "attached"
	case StateDegraded:
		return "degraded"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is the read model of the video side.
type Snapshot struct {
	TableID string      `json:"table_id"`
	State   State       `json:"state"`
	Kind    stream.Kind `json:"kind"`
	Locator string      `json:"locator,omitempty"`
	// EmbedLocator is set when the attached transport is an embeddable player.
	EmbedLocator string `json:"embed_locator,omitempty"`
	// Degraded is true whenever State is not Attached; the presentation keeps
	// the last frame under a spinner.
	Degraded    bool        `json:"degraded"`
	Exhausted   bool        `json:"exhausted"`
	LastAttempt stream.Kind `json:"last_attempt"`
	AttachedAt  time.Time   `json:"attached_at,omitempty"`
}

// Package round keeps the round lifecycle in sync with the push channel: the
// phase, the betting and stop-bet countdowns, the result notice and the
// settlement announcement.
package round

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mcdev12/arena/go/internal/models"
)

var (
	// ErrUnknownOutcome is returned for a settlement whose outcome does not
	// normalise to a known side.
	ErrUnknownOutcome = errors.New("round: unknown outcome")
)

// Config holds the synchronizer timings.
type Config struct {
	// BettingSeed is the optimistic countdown seeded when a new result appears.
	BettingSeed int `yaml:"betting_seed_seconds"`
	// StopBetFrom is where the stop-bet alert starts counting down to zero.
	StopBetFrom int `yaml:"stop_bet_from"`
	// StopBetLinger keeps the terminal zero visible before clearing.
	StopBetLinger time.Duration `yaml:"stop_bet_linger"`
	Tick          time.Duration `yaml:"tick"`
	// AnnouncementTTL and NoticeTTL are display durations.
	AnnouncementTTL time.Duration `yaml:"announcement_ttl"`
	NoticeTTL       time.Duration `yaml:"notice_ttl"`
	// ConfirmTimeout bounds how long an optimistic BettingOpen may stand
	// without an authoritative phase update. Zero disables reconciliation.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		BettingSeed:     20,
		StopBetFrom:     3,
		StopBetLinger:   500 * time.Millisecond,
		Tick:            time.Second,
		AnnouncementTTL: 5 * time.Second,
		NoticeTTL:       5 * time.Second,
		ConfirmTimeout:  30 * time.Second,
	}
}

// PhaseUpdate is an authoritative phase push.
type PhaseUpdate struct {
	Phase models.RoundPhase
	// Seconds optionally seeds the betting countdown.
	Seconds *int
}

// Settlement is a settled-round push for this viewer.
type Settlement struct {
	RoundID     string
	Outcome     string
	PayoutDelta models.Money
}

// Announcement is the settlement currently on display.
type Announcement struct {
	RoundID     string                  `json:"round_id"`
	Outcome     models.Outcome          `json:"outcome"`
	PayoutDelta models.Money            `json:"payout_delta"`
	Amount      models.Money            `json:"amount"`
	Status      models.SettlementStatus `json:"status"`
	ShownAt     time.Time               `json:"shown_at"`
}

// Notice is the popup for a newly appended round result.
type Notice struct {
	Result  json.RawMessage `json:"result,omitempty"`
	Count   int             `json:"count"`
	ShownAt time.Time       `json:"shown_at"`
}

// State is the read model published to the presentation layer.
type State struct {
	TableID string            `json:"table_id"`
	Phase   models.RoundPhase `json:"phase"`
	// Optimistic marks a locally predicted BettingOpen awaiting confirmation.
	Optimistic              bool          `json:"optimistic"`
	BettingSecondsRemaining *int          `json:"betting_seconds_remaining,omitempty"`
	StopBetSecondsRemaining *int          `json:"stop_bet_seconds_remaining,omitempty"`
	BalanceSnapshot         *models.Money `json:"balance_snapshot,omitempty"`
	ResultCount             int           `json:"result_count"`
	Notice                  *Notice       `json:"notice,omitempty"`
	Announcement            *Announcement `json:"announcement,omitempty"`
}

func (s State) clone() State {
	out := s
	out.BettingSecondsRemaining = cloneInt(s.BettingSecondsRemaining)
	out.StopBetSecondsRemaining = cloneInt(s.StopBetSecondsRemaining)
	if s.BalanceSnapshot != nil {
		b := *s.BalanceSnapshot
		out.BalanceSnapshot = &b
	}
	if s.Notice != nil {
		n := *s.Notice
		out.Notice = &n
	}
	if s.Announcement != nil {
		a := *s.Announcement
		out.Announcement = &a
	}
	return out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func intPtr(v int) *int { return &v }

// BalanceReader supplies the current account balance.
type BalanceReader interface {
	CurrentBalance(ctx context.Context) (models.Money, error)
}

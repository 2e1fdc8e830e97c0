package round

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/models"
)

// Settle announces a settled round. It reports false when the round was
// already announced. Unknown outcomes are rejected with ErrUnknownOutcome.
func (s *Synchronizer) Settle(ev Settlement) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, nil
	}
	if _, ok := s.seen[ev.RoundID]; ok {
		s.mu.Unlock()
		log.Debug().Str("round_id", ev.RoundID).Msg("duplicate settlement ignored")
		return false, nil
	}
	outcome, ok := models.ParseOutcome(ev.Outcome)
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrUnknownOutcome, ev.Outcome)
	}
	s.seen[ev.RoundID] = struct{}{}

	status := settlementStatus(outcome, ev.PayoutDelta)
	amount := ev.PayoutDelta
	if status == models.StatusLose {
		amount = ev.PayoutDelta.Abs().Neg()
	}
	s.state.Announcement = &Announcement{
		RoundID:     ev.RoundID,
		Outcome:     outcome,
		PayoutDelta: ev.PayoutDelta,
		Amount:      amount,
		Status:      status,
		ShownAt:     s.clock.Now(),
	}
	s.replaceTimer(&s.announcement, s.cfg.AnnouncementTTL, func() { s.state.Announcement = nil })
	s.metrics.RecordSettlement(string(status))

	log.Info().
		Str("round_id", ev.RoundID).
		Str("outcome", string(outcome)).
		Str("status", string(status)).
		Str("amount", amount.DecimalString()).
		Msg("settlement announced")
	s.unlockAndNotify()
	return true, nil
}

func settlementStatus(outcome models.Outcome, delta models.Money) models.SettlementStatus {
	switch {
	case delta.Sign() > 0:
		return models.StatusWin
	case delta.IsZero() && outcome == models.OutcomeDraw:
		return models.StatusDraw
	default:
		return models.StatusLose
	}
}

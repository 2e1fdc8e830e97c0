package negotiator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/stream"
	"github.com/mcdev12/arena/go/internal/transport"
)

// reporter forwards handle reports to the reaction loop. Reports from a
// handle that is no longer active are dropped there.
type reporter struct {
	n *Negotiator
}

func (r reporter) Attached(h transport.Handle) {
	r.n.enqueue(func() { r.n.onAttached(h) })
}

func (r reporter) Degraded(h transport.Handle, reason string) {
	r.n.enqueue(func() { r.n.onDegraded(h, reason) })
}

func (r reporter) Recovered(h transport.Handle) {
	r.n.enqueue(func() { r.n.onRecovered(h) })
}

func (r reporter) Failed(h transport.Handle, err *transport.PlaybackError) {
	r.n.enqueue(func() { r.n.onFailed(h, err) })
}

func (n *Negotiator) onAttached(h transport.Handle) {
	n.mu.Lock()
	if n.active != h || n.snap.State == StateAttached {
		n.mu.Unlock()
		return
	}
	n.markAttachedLocked()
	n.unlockAndNotify()
}

func (n *Negotiator) onDegraded(h transport.Handle, reason string) {
	n.mu.Lock()
	if n.active != h {
		n.mu.Unlock()
		return
	}
	log.Warn().Str("kind", h.Kind().String()).Str("reason", reason).Msg("transport degraded")
	n.setStateLocked(StateDegraded)
	n.unlockAndNotify()
}

func (n *Negotiator) onRecovered(h transport.Handle) {
	n.mu.Lock()
	if n.active != h || n.snap.State != StateDegraded {
		n.mu.Unlock()
		return
	}
	n.markAttachedLocked()
	n.unlockAndNotify()
}

func (n *Negotiator) onFailed(h transport.Handle, perr *transport.PlaybackError) {
	if perr == nil || perr.Transient() {
		return
	}
	n.mu.Lock()
	if n.active != h || n.closed {
		n.mu.Unlock()
		return
	}
	n.metrics.RecordTransportFailure(h.Kind().String(), perr.Class.String())
	log.Warn().Err(perr).Str("kind", h.Kind().String()).Str("locator", h.Locator()).Msg("transport failed")
	session := n.session
	ctx := n.baseCtx
	n.mu.Unlock()

	if h.Kind() == stream.KindFLV {
		n.onFLVFailed(ctx, h, perr, session)
		return
	}
	n.degradeAndRetry(n.cfg.FatalRetryDelay)
}

// onFLVFailed reloads the same player on decode errors. On network errors it
// moves to WebRTC when the table is mapped, retries the fetch when only a
// token is known, and otherwise drops to HLS.
func (n *Negotiator) onFLVFailed(ctx context.Context, h transport.Handle, perr *transport.PlaybackError, session models.TableSession) {
	if perr.Class == transport.ClassDecode {
		if r, ok := h.(transport.Reloader); ok {
			err := r.Reload(ctx)
			if err == nil {
				log.Info().Str("locator", h.Locator()).Msg("flv player reloaded after decode error")
				return
			}
			log.Warn().Err(err).Msg("flv reload failed")
		}
	}

	_, mapped := n.builder.StreamID(session.TableID)
	switch {
	case mapped && session.HasToken():
		cand, _ := n.builder.WebRTC(session.TableID, session.SessionToken)
		n.replaceWith(ctx, session, []stream.Candidate{cand, n.builder.HLS(session.TableID)})
	case session.HasToken():
		n.degradeAndRetry(n.cfg.FLVRetryDelay)
	default:
		n.replaceWith(ctx, session, []stream.Candidate{n.builder.HLS(session.TableID)})
	}
}

// replaceWith runs a new cycle over plan, superseding whatever is in flight.
func (n *Negotiator) replaceWith(ctx context.Context, session models.TableSession, plan []stream.Candidate) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.cycle++
	cycle := n.cycle
	n.busy = true
	n.cancelRetryLocked()
	n.mu.Unlock()
	n.tryPlan(ctx, cycle, session, plan)
}

// degradeAndRetry tears the transport down, shows Degraded, and schedules
// one fetch cycle after d.
func (n *Negotiator) degradeAndRetry(d time.Duration) {
	n.mu.Lock()
	n.cycle++
	n.busy = false
	n.mu.Unlock()

	n.teardown()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.setStateLocked(StateDegraded)
	n.scheduleRetryLocked(d)
	n.unlockAndNotify()
}

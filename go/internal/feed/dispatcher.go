package feed

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/events"
	"github.com/mcdev12/arena/go/internal/metrics"
)

// Sink receives typed table events.
type Sink interface {
	ResultsAppended(ctx context.Context, p events.RoundResultAppendedPayload)
	RoundSettled(ctx context.Context, p events.RoundSettledPayload)
	VideoURLUpdated(ctx context.Context, p events.VideoURLUpdatePayload)
	VideoURLRefresh(ctx context.Context, p events.VideoURLRefreshPayload)
	PhaseUpdated(ctx context.Context, p events.PhaseUpdatePayload)
	SessionExpired(ctx context.Context, p events.SessionExpiredPayload)
}

// Dispatcher decodes event payloads and routes them to a Sink.
type Dispatcher struct {
	sink      Sink
	collector metrics.Collector
}

func NewDispatcher(sink Sink, collector metrics.Collector) *Dispatcher {
	if collector == nil {
		collector = metrics.NoOp{}
	}
	return &Dispatcher{sink: sink, collector: collector}
}

// HandleEvent implements Handler. Unknown event types are skipped.
func (d *Dispatcher) HandleEvent(ctx context.Context, event *events.Event) error {
	payload, err := events.ParseEventPayload(event)
	if err != nil {
		return fmt.Errorf("%w: parse %s payload: %v", errMalformed, event.Type, err)
	}
	if payload == nil {
		log.Debug().Str("event_type", string(event.Type)).Msg("skipping unknown event type")
		return nil
	}
	d.collector.RecordEvent(string(event.Type))

	switch p := payload.(type) {
	case events.RoundResultAppendedPayload:
		d.sink.ResultsAppended(ctx, p)
	case events.RoundSettledPayload:
		d.sink.RoundSettled(ctx, p)
	case events.VideoURLUpdatePayload:
		d.sink.VideoURLUpdated(ctx, p)
	case events.VideoURLRefreshPayload:
		d.sink.VideoURLRefresh(ctx, p)
	case events.PhaseUpdatePayload:
		d.sink.PhaseUpdated(ctx, p)
	case events.SessionExpiredPayload:
		d.sink.SessionExpired(ctx, p)
	}
	return nil
}

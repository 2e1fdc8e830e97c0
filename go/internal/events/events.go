package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/arena/go/internal/models"
)

// Event is the envelope every push event arrives in.
type Event struct {
	ID        string          `json:"id"`
	TableID   string          `json:"table_id,omitempty"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType names a push event.
type EventType string

const (
	EventTypeRoundResultAppended EventType = "round_result_appended"
	EventTypeRoundSettled        EventType = "round_settled"
	EventTypeVideoURLUpdate      EventType = "video_url_update"
	EventTypeVideoURLRefresh     EventType = "video_url_refresh"
	EventTypePhaseUpdate         EventType = "phase_update"
	EventTypeSessionExpired      EventType = "session_expired"
)

// RoundResultAppendedPayload carries the table's result history after an
// append. Only its length matters for change detection.
type RoundResultAppendedPayload struct {
	TableID string            `json:"table_id"`
	History []json.RawMessage `json:"history"`
	Total   *int              `json:"total,omitempty"`
	Latest  json.RawMessage   `json:"latest,omitempty"`
}

// Count returns the number of known results, preferring an explicit total.
func (p RoundResultAppendedPayload) Count() int {
	if p.Total != nil {
		return *p.Total
	}
	return len(p.History)
}

// RoundSettledPayload announces a settled round for this viewer.
type RoundSettledPayload struct {
	RoundID     string       `json:"round_id"`
	Outcome     string       `json:"outcome"`
	PayoutDelta models.Money `json:"payout_delta"`
}

// VideoURLUpdatePayload pushes a new locator for the current table.
type VideoURLUpdatePayload struct {
	TableID string `json:"table_id,omitempty"`
	Locator string `json:"locator"`
}

// VideoURLRefreshPayload asks viewers of a table to refetch the locator.
type VideoURLRefreshPayload struct {
	TableID string `json:"table_id"`
}

// PhaseUpdatePayload is the authoritative round phase.
type PhaseUpdatePayload struct {
	TableID string `json:"table_id,omitempty"`
	Phase   string `json:"phase"`
	// Seconds optionally seeds the betting countdown.
	Seconds *int `json:"seconds,omitempty"`
}

// SessionExpiredPayload signals that the session token is no longer valid.
type SessionExpiredPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewEvent builds an envelope around payload.
func NewEvent(eventType EventType, tableID string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &Event{
		ID:        uuid.NewString(),
		TableID:   tableID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Decode parses a raw envelope.
func Decode(raw []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event missing type")
	}
	return &event, nil
}

// ParseEventPayload parses event data into the appropriate payload struct
func ParseEventPayload(event *Event) (interface{}, error) {
	switch event.Type {
	case EventTypeRoundResultAppended:
		var payload RoundResultAppendedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		if payload.TableID == "" {
			payload.TableID = event.TableID
		}
		return payload, nil

	case EventTypeRoundSettled:
		var payload RoundSettledPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeVideoURLUpdate:
		var payload VideoURLUpdatePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		if payload.TableID == "" {
			payload.TableID = event.TableID
		}
		return payload, nil

	case EventTypeVideoURLRefresh:
		var payload VideoURLRefreshPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		if payload.TableID == "" {
			payload.TableID = event.TableID
		}
		return payload, nil

	case EventTypePhaseUpdate:
		var payload PhaseUpdatePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		if payload.TableID == "" {
			payload.TableID = event.TableID
		}
		return payload, nil

	case EventTypeSessionExpired:
		var payload SessionExpiredPayload
		if len(event.Data) > 0 && string(event.Data) != "null" {
			if err := json.Unmarshal(event.Data, &payload); err != nil {
				return nil, err
			}
		}
		return payload, nil

	default:
		return nil, nil // Unknown event type
	}
}

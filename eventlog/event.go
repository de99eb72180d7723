/*
Package eventlog records every timed participant interaction of a session.

PURPOSE:
  The event log is the sole durable source of truth for a session. The
  in-memory SessionState is never persisted; only this ordered list of
  events is. Analysts replay it offline.

KEY CONCEPTS IN THIS FILE (event.go):
  - Kind: the closed set of event names written to the log
  - Event: one timestamped entry, flattened on the wire
  - Seconds: duration encoding used by every *_time_spent event

WIRE FORMAT:
  Each event is a flat JSON object:

    {"time_step": 1, "event": "tile_viewed", "id": "3", "label": "Local News",
     "timestamp": "2026-10-17T14:03:12.123456Z"}

  time_step is null once the scenario has run past its last step. Payload
  fields sit beside the fixed keys; they never shadow them.

SEE ALSO:
  - log.go: append-only Log with write-through persistence
  - store/: file and memory Store implementations
*/
package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/evac-survey/scenario"
)

// =============================================================================
// EVENT KINDS
// =============================================================================

type Kind string

const (
	KindConsentAccepted        Kind = "consent_accepted"
	KindContactCollected       Kind = "contact_collected"
	KindScenarioStarted        Kind = "scenario_started"
	KindTileViewed             Kind = "tile_viewed"
	KindTileTimeSpent          Kind = "tile_time_spent"
	KindSocialMessageOpened    Kind = "social_message_opened"
	KindSocialInteraction      Kind = "social_interaction"
	KindSocialMessageTimeSpent Kind = "social_message_time_spent"
	KindPrepActionCompleted    Kind = "prep_action_completed"
	KindDashboardTimeSpent     Kind = "dashboard_time_spent"
	KindAssessmentTimeSpent    Kind = "assessment_time_spent"
	KindDecisionTimeSpent      Kind = "decision_time_spent"
	KindHourlyDecision         Kind = "hourly_decision"
	KindScenarioEnded          Kind = "scenario_ended"
	KindResultsEmailed         Kind = "results_emailed"
	KindResultsEmailFailed     Kind = "results_email_failed"
)

// =============================================================================
// EVENT
// =============================================================================

// Event is one log entry. Fields holds the kind-specific payload.
type Event struct {
	TimeStep  *scenario.TimeValue
	Kind      Kind
	Timestamp time.Time
	Fields    map[string]any
}

// Fixed keys of the wire format.
const (
	keyTimeStep  = "time_step"
	keyEvent     = "event"
	keyTimestamp = "timestamp"
)

func reserved(k string) bool {
	return k == keyTimeStep || k == keyEvent || k == keyTimestamp
}

// MarshalJSON flattens the payload next to the fixed keys. Payload keys are
// written in sorted order so identical events encode identically.
func (e Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"time_step":`)
	if e.TimeStep == nil {
		buf.WriteString("null")
	} else {
		b, err := e.TimeStep.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	kind, err := json.Marshal(string(e.Kind))
	if err != nil {
		return nil, err
	}
	buf.WriteString(`,"event":`)
	buf.Write(kind)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		if !reserved(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		name, _ := json.Marshal(k)
		val, err := json.Marshal(e.Fields[k])
		if err != nil {
			return nil, fmt.Errorf("event %s field %s: %w", e.Kind, k, err)
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(val)
	}

	buf.WriteString(`,"timestamp":`)
	ts, _ := json.Marshal(e.Timestamp.Format(time.RFC3339Nano))
	buf.Write(ts)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = Event{}
	if ts, ok := raw[keyTimeStep]; ok && string(bytes.TrimSpace(ts)) != "null" {
		var v scenario.TimeValue
		if err := v.UnmarshalJSON(ts); err != nil {
			return fmt.Errorf("time_step: %w", err)
		}
		e.TimeStep = &v
	}
	var kind string
	if err := json.Unmarshal(raw[keyEvent], &kind); err != nil {
		return fmt.Errorf("event: %w", err)
	}
	e.Kind = Kind(kind)

	var stamp string
	if err := json.Unmarshal(raw[keyTimestamp], &stamp); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	e.Timestamp = t

	for k, v := range raw {
		if reserved(k) {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(v))
		dec.UseNumber()
		var val any
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields[k] = val
	}
	return nil
}

// =============================================================================
// DURATIONS
// =============================================================================

// Seconds encodes a duration as decimal seconds with microsecond precision.
// Negative durations (clock skew) are clamped to zero.
func Seconds(d time.Duration) json.Number {
	if d < 0 {
		d = 0
	}
	return json.Number(decimal.NewFromInt(d.Microseconds()).Shift(-6).String())
}

// Number encodes a decimal as a bare JSON number.
func Number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

/*
state.go - Session state for one participant run

PURPOSE:
  State is the single mutable record of where a participant is in the
  scenario. It is owned by a Session and only changed by the Controller.

KEY CONCEPTS:
  - Phase: exactly one screen is active at a time
  - TimeIndex: current step, only ever increases, only on a decision
  - Open tile/contact: at most one tile open; the grid is locked meanwhile
  - Per-step sets: tiles opened and updates viewed reset on every step
  - Cumulative sets: completed prep actions never shrink

DURABILITY:
  State itself is not persisted. The event log is the durable record.

SEE ALSO:
  - controller.go: the transitions
  - registry.go: in-memory lookup by session id
*/
package survey

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/warp/evac-survey/eventlog"
	"github.com/warp/evac-survey/scenario"
)

// =============================================================================
// PHASE
// =============================================================================

// Phase is the screen a session is on.
type Phase int

const (
	PhaseConsent Phase = iota
	PhaseContact
	PhaseIntro
	PhaseDashboard
	PhaseAssessment
	PhaseDecision
	PhaseEnded
)

var phaseNames = [...]string{"consent", "contact", "intro", "dashboard", "assessment", "decision", "ended"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	if p < 0 || int(p) >= len(phaseNames) {
		return nil, fmt.Errorf("unknown phase %d", int(p))
	}
	return []byte(phaseNames[p]), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if strings.EqualFold(name, string(text)) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// =============================================================================
// CHOICE
// =============================================================================

// Choice is the evacuation decision taken at the end of each step.
type Choice string

const (
	ChoiceEvacuateAll    Choice = "evacuate_all"
	ChoiceEvacuateFamily Choice = "evacuate_family"
	ChoiceStay           Choice = "stay"
)

func (c Choice) Valid() bool {
	switch c {
	case ChoiceEvacuateAll, ChoiceEvacuateFamily, ChoiceStay:
		return true
	}
	return false
}

// End reasons logged with scenario_ended.
const (
	EndEvacuateAll    = "evacuate_all"
	EndEvacuateFamily = "evacuate_family"
	EndOfSteps        = "end_of_steps"
	EndOfDay          = "end_of_day"
)

// =============================================================================
// STATE
// =============================================================================

// PendingReply is a contact reply waiting out the simulated network delay.
type PendingReply struct {
	ContactID string
	Contact   string
	Reply     string
	ReadyAt   time.Time
}

// State is one session's state machine. Zero times and empty ids mean
// "none".
type State struct {
	SessionID string
	Phase     Phase
	TimeIndex int

	// OpenTile is set while a tile is open. TileOpenTime is non-zero
	// exactly when OpenTile is set.
	OpenTile     scenario.TileID
	TileOpenTime time.Time

	// CurrentContactID/CurrentContact name the open social contact.
	// SocialOpenTime is non-zero exactly when a contact is open.
	CurrentContactID string
	CurrentContact   string
	SocialOpenTime   time.Time
	ContactReply     string
	PendingReply     *PendingReply

	TilesOpenedThisStep  map[scenario.TileID]bool
	ViewedUpdates        map[scenario.TileID]bool
	CompletedPrepActions []string
	CachedAssessment     map[string]int

	FamilyEvacuated bool
	ScenarioEnded   bool
	EndReason       string

	DashboardStartTime  time.Time
	AssessmentStartTime time.Time
	DecisionStartTime   time.Time

	ResultsDelivered bool
	DeliveryError    string
	DeliveryAttempts int
	// DeliveryDisabled is set when the sink has no way to send at all.
	DeliveryDisabled bool

	Email string
	Phone string

	Failed bool
	// ClosedAt is when the session ended or failed; zero while it runs.
	ClosedAt time.Time
}

func newState(id string) State {
	return State{
		SessionID:           id,
		Phase:               PhaseConsent,
		TilesOpenedThisStep: map[scenario.TileID]bool{},
		ViewedUpdates:       map[scenario.TileID]bool{},
	}
}

// PrepCompleted reports whether an action has been performed.
func (s State) PrepCompleted(id string) bool {
	for _, done := range s.CompletedPrepActions {
		if done == id {
			return true
		}
	}
	return false
}

func (s State) clone() State {
	out := s
	out.TilesOpenedThisStep = make(map[scenario.TileID]bool, len(s.TilesOpenedThisStep))
	for k, v := range s.TilesOpenedThisStep {
		out.TilesOpenedThisStep[k] = v
	}
	out.ViewedUpdates = make(map[scenario.TileID]bool, len(s.ViewedUpdates))
	for k, v := range s.ViewedUpdates {
		out.ViewedUpdates[k] = v
	}
	out.CompletedPrepActions = append([]string(nil), s.CompletedPrepActions...)
	if s.CachedAssessment != nil {
		out.CachedAssessment = make(map[string]int, len(s.CachedAssessment))
		for k, v := range s.CachedAssessment {
			out.CachedAssessment[k] = v
		}
	}
	if s.PendingReply != nil {
		p := *s.PendingReply
		out.PendingReply = &p
	}
	return out
}

// =============================================================================
// SESSION
// =============================================================================

// Session pairs a participant's state with their event log. Actions on one
// session are serialized by its mutex.
type Session struct {
	mu    sync.Mutex
	state State
	log   *eventlog.Log
}

func (s *Session) ID() string { return s.log.SessionID() }

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Log returns the session's event log.
func (s *Session) Log() *eventlog.Log { return s.log }

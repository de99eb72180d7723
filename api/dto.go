/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures the survey front end exchanges with the
  server. Views are rendered from a State copy plus the scenario config;
  they never expose the session's internals directly.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the survey controller, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - survey/queries.go: view helpers
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/evac-survey/scenario"
	"github.com/warp/evac-survey/survey"
)

// =============================================================================
// SCENARIO
// =============================================================================

// ScenarioDTO is the static part of the scenario shown before it starts.
type ScenarioDTO struct {
	Title               string               `json:"title"`
	TimeSteps           []scenario.TimeValue `json:"time_steps"`
	Consent             scenario.Screen      `json:"irb_consent"`
	ContactScreen       scenario.Screen      `json:"contact_screen"`
	Intro               scenario.Screen      `json:"scenario_description"`
	AssessmentVariables []string             `json:"assessment_variables"`
}

// =============================================================================
// SESSION VIEW
// =============================================================================

// SessionDTO is everything needed to render the current screen.
type SessionDTO struct {
	ID          string              `json:"id"`
	Phase       survey.Phase        `json:"phase"`
	TimeIndex   int                 `json:"time_index"`
	CurrentTime *scenario.TimeValue `json:"current_time"`
	TimeLabel   string              `json:"time_label"`

	Tiles      []TileDTO       `json:"tiles,omitempty"`
	OpenTile   *OpenTileDTO    `json:"open_tile,omitempty"`
	CanProceed bool            `json:"can_proceed"`
	Prep       []PrepDTO       `json:"preparation_actions,omitempty"`
	PrepTotal  decimal.Decimal `json:"prep_minutes_committed"`

	AssessmentVariables []string       `json:"assessment_variables,omitempty"`
	CachedAssessment    map[string]int `json:"cached_assessment,omitempty"`
	FamilyEvacuated     bool           `json:"family_evacuated"`

	ScenarioEnded    bool   `json:"scenario_ended"`
	EndReason        string `json:"end_reason,omitempty"`
	ResultsDelivered bool   `json:"results_delivered"`
	DeliveryError    string `json:"delivery_error,omitempty"`
	Failed           bool   `json:"failed,omitempty"`
}

// TileDTO is one grid button.
type TileDTO struct {
	ID     scenario.TileID `json:"id"`
	Label  string          `json:"label"`
	IsNew  bool            `json:"is_new"`
	Locked bool            `json:"locked"`
}

// OpenTileDTO is the information panel of the open tile.
type OpenTileDTO struct {
	ID             scenario.TileID   `json:"id"`
	Label          string            `json:"label"`
	Content        *scenario.Content `json:"content"`
	Contacts       []ContactDTO      `json:"contacts,omitempty"`
	CurrentContact string            `json:"current_contact,omitempty"`
	Reply          string            `json:"reply,omitempty"`
	ReplyPending   bool              `json:"reply_pending"`
	ReplyReadyAt   *time.Time        `json:"reply_ready_at,omitempty"`
}

type ContactDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PrepDTO is a preparation action offered at the current step.
type PrepDTO struct {
	ID                   string          `json:"id"`
	Label                string          `json:"label"`
	Description          string          `json:"description"`
	EstimatedTimeMinutes decimal.Decimal `json:"estimated_time_minutes"`
	Completed            bool            `json:"completed"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type ConsentRequest struct {
	Read  bool `json:"read"`
	Agree bool `json:"agree"`
}

type ContactRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type AssessmentRequest struct {
	Scores map[string]int `json:"scores"`
}

type DecisionRequest struct {
	Choice survey.Choice `json:"choice"`
}

// SessionListDTO lists the sessions with a durable log.
type SessionListDTO struct {
	Sessions []string `json:"sessions"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

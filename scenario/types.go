/*
Package scenario holds the read-only scenario definition loaded from the
control file.

PURPOSE:
  One Config is loaded at process start and shared by every session. It
  describes the ordered time steps, the 16 information tiles, the
  preparation actions and their availability windows, the social contact
  reply policies, and the static consent/contact/intro screens.

KEY CONCEPTS IN THIS FILE (types.go):
  - TimeValue: opaque step token (usually an hour offset) used as a map key
  - Tile: a unit of information, either per-step content or social contacts
  - PrepAction: an optional task available inside a TimeValue window
  - Screen: static text shown before the scenario starts

IMMUTABILITY:
  Nothing in this package mutates a Config after Parse returns. Session
  progress lives in package survey.

SEE ALSO:
  - loader.go: Parse/Load, schema validation, defaults
  - timeline.go: step ordering and per-step lookups
*/
package scenario

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TIME VALUE
// =============================================================================

// TimeValue identifies one scenario step. It is stored in its key form: the
// text that content and reply-policy maps use to index the step ("0", "1.5",
// or the raw string for non-numeric steps).
type TimeValue string

// Key returns the map key for this step.
func (v TimeValue) Key() string { return string(v) }

// Numeric reports the decimal value of a numeric step.
func (v TimeValue) Numeric() (decimal.Decimal, bool) {
	if !json.Valid([]byte(v)) {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(string(v))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func (v *TimeValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty time value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = TimeValue(s)
		return nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = TimeValue(n.String())
		return nil
	}
	return fmt.Errorf("time value must be a number or string, got %s", data)
}

// MarshalJSON writes numeric steps as JSON numbers and everything else as
// strings, so logged time_step values match the control file.
func (v TimeValue) MarshalJSON() ([]byte, error) {
	if _, ok := v.Numeric(); ok {
		return []byte(v), nil
	}
	return json.Marshal(string(v))
}

// =============================================================================
// TILES
// =============================================================================

// TileID is a grid position "1".."16".
type TileID string

type TileType string

const (
	TileStandard       TileType = "standard"
	TileSocialContacts TileType = "social_contacts"
)

// GridSize is the number of tiles on the dashboard (4x4).
const GridSize = 16

// Tile is one information source on the dashboard.
type Tile struct {
	ID       TileID              `json:"-"`
	Label    string              `json:"label"`
	Type     TileType            `json:"type,omitempty"`
	Content  map[string]*Content `json:"content,omitempty"`
	Contacts []Contact           `json:"contacts,omitempty"`
}

// IsSocial reports whether the tile lists social contacts instead of content.
func (t Tile) IsSocial() bool { return t.Type == TileSocialContacts }

// Contact finds a social contact by id.
func (t Tile) Contact(id string) (Contact, bool) {
	for _, c := range t.Contacts {
		if c.ID == id {
			return c, true
		}
	}
	return Contact{}, false
}

// Content is what a standard tile shows at one step.
type Content struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// Equal compares content by value; two nil contents are equal.
func (c *Content) Equal(o *Content) bool {
	if c == nil || o == nil {
		return c == nil && o == nil
	}
	return *c == *o
}

// Contact is a person reachable from a social_contacts tile.
type Contact struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ResponsePolicy string `json:"response_policy"`
}

func (c *Contact) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID             json.RawMessage `json:"id"`
		Name           string          `json:"name"`
		ResponsePolicy string          `json:"response_policy"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var id TimeValue
	if len(raw.ID) > 0 {
		if err := id.UnmarshalJSON(raw.ID); err != nil {
			return fmt.Errorf("contact id: %w", err)
		}
	}
	c.ID = string(id)
	c.Name = raw.Name
	c.ResponsePolicy = raw.ResponsePolicy
	return nil
}

// =============================================================================
// PREPARATION ACTIONS
// =============================================================================

// PrepAction is an optional preparation task with an availability window.
// INVARIANT: AvailableFrom <= AvailableUntil in step order.
type PrepAction struct {
	ID                   string          `json:"id"`
	Label                string          `json:"label"`
	Description          string          `json:"description"`
	EstimatedTimeMinutes decimal.Decimal `json:"estimated_time_minutes"`
	AvailableFrom        TimeValue       `json:"available_from"`
	AvailableUntil       TimeValue       `json:"available_until"`
}

// =============================================================================
// STATIC SCREENS
// =============================================================================

// Screen is the static text of the consent, contact and intro pages.
type Screen struct {
	Title      string   `json:"title"`
	Text       []string `json:"text"`
	ImageHouse string   `json:"image_house,omitempty"`
	ImageMap   string   `json:"image_map,omitempty"`
}

// =============================================================================
// CONFIG
// =============================================================================

// Config is the parsed control file.
type Config struct {
	Title            string      `json:"title"`
	TimeSteps        []TimeValue `json:"time_steps"`
	StartTimeDisplay string      `json:"start_time_display"`

	// EndOfDayHour ends the scenario once the displayed clock reaches it.
	EndOfDayHour int `json:"end_of_day_hour"`

	// FamilyEvacuationEnds controls whether "evacuate family" is terminal.
	FamilyEvacuationEnds bool `json:"family_evacuation_ends"`

	AssessmentVariables []string `json:"assessment_variables"`

	Tiles                  map[TileID]Tile              `json:"tiles"`
	PrepActions            []PrepAction                 `json:"preparation_actions"`
	SocialResponsePolicies map[string]map[string]string `json:"social_response_policies"`

	IRBConsent          Screen `json:"irb_consent"`
	ContactScreen       Screen `json:"contact_screen"`
	ScenarioDescription Screen `json:"scenario_description"`

	// Warnings collects non-fatal problems found while loading.
	Warnings []string `json:"-"`

	stepIndex map[TimeValue]int
}

// Tile returns the tile at a grid position.
func (c *Config) Tile(id TileID) (Tile, bool) {
	t, ok := c.Tiles[id]
	return t, ok
}

// PrepAction finds a preparation action by id.
func (c *Config) PrepAction(id string) (PrepAction, bool) {
	for _, a := range c.PrepActions {
		if a.ID == id {
			return a, true
		}
	}
	return PrepAction{}, false
}

// GridTileIDs returns the dashboard positions in display order.
func (c *Config) GridTileIDs() []TileID {
	ids := make([]TileID, GridSize)
	for i := range ids {
		ids[i] = TileID(fmt.Sprintf("%d", i+1))
	}
	return ids
}

// TileLabel returns the configured label, or a placeholder for a grid slot
// the control file does not define.
func (c *Config) TileLabel(id TileID) string {
	if t, ok := c.Tiles[id]; ok && strings.TrimSpace(t.Label) != "" {
		return t.Label
	}
	return "Information source " + string(id)
}

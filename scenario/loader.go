/*
loader.go - Control file loading and validation

PURPOSE:
  Converts the externally authored control.json into a Config. Loading
  happens once at startup; any failure here is fatal for the process and
  must halt before a session begins.

VALIDATION ORDER:
  1. File exists (ErrControlFileMissing otherwise)
  2. JSON Schema (control.schema.json, Draft 2020-12) - structure and types
  3. Decode into Config with defaults applied
  4. Semantic checks that a schema cannot express:
     - tile ids are grid positions "1".."16"
     - prep windows use step-comparable bounds with from <= until
     - contacts reference known reply policies (warning only)

DEFAULTS:
  title               "Research Scenario"
  start_time_display  "14:00"
  end_of_day_hour     20
  family_evacuation_ends true
  assessment_variables the seven subjective variables below

SEE ALSO:
  - types.go: Config and friends
  - control.schema.json: embedded schema
*/
package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed control.schema.json
var controlSchema string

const schemaURL = "https://evac-survey.local/control.schema.json"

var (
	// ErrControlFileMissing is returned when the control file does not exist.
	ErrControlFileMissing = errors.New("control file not found")

	// ErrInvalidControl wraps every schema or semantic validation failure.
	ErrInvalidControl = errors.New("invalid control file")
)

// SchemaError describes why a control file was rejected.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "invalid control file: " + strings.Join(e.Problems, "; ")
}

func (e *SchemaError) Unwrap() error { return ErrInvalidControl }

// DefaultAssessmentVariables are the subjective sliders shown every step.
var DefaultAssessmentVariables = []string{
	"Risk perception; 0 no risk, 100 very high risk",
	"Decision time pressure; 0 no time pressure, 100 extreme time pressure",
	"Trust in official alerts; 0 no trust, 100 very high trust",
	"Anxiety level; 0 no anxiety, 100 very high anxiety",
	"Social pressure; 0 no pressure, 100 extreme social pressure",
	"Evacuation feasibility; 0 no feasibility, 100 very high feasibility",
	"Decision leaning; 0–50 leaning stay, 51–100 leaning evacuate",
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(controlSchema)); err != nil {
		panic(fmt.Sprintf("control schema load failed: %v", err))
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("control schema compile failed: %v", err))
	}
	return s
}

// Load reads and parses the control file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrControlFileMissing, path)
		}
		return nil, fmt.Errorf("read control file: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes a control file.
func Parse(data []byte) (*Config, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &SchemaError{Problems: []string{"malformed JSON: " + err.Error()}}
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, &SchemaError{Problems: []string{err.Error()}}
	}

	cfg := &Config{
		Title:                "Research Scenario",
		StartTimeDisplay:     "14:00",
		EndOfDayHour:         20,
		FamilyEvacuationEnds: true,
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, &SchemaError{Problems: []string{err.Error()}}
	}
	if len(cfg.AssessmentVariables) == 0 {
		cfg.AssessmentVariables = append([]string(nil), DefaultAssessmentVariables...)
	}

	cfg.stepIndex = make(map[TimeValue]int, len(cfg.TimeSteps))
	for i, step := range cfg.TimeSteps {
		if _, dup := cfg.stepIndex[step]; dup {
			return nil, &SchemaError{Problems: []string{fmt.Sprintf("duplicate time step %q", step)}}
		}
		cfg.stepIndex[step] = i
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string

	for id, tile := range c.Tiles {
		n, err := strconv.Atoi(string(id))
		if err != nil || n < 1 || n > GridSize || strconv.Itoa(n) != string(id) {
			problems = append(problems, fmt.Sprintf("tile id %q is not a grid position 1..%d", id, GridSize))
			continue
		}
		tile.ID = id
		if tile.Type == "" {
			tile.Type = TileStandard
		}
		for _, contact := range tile.Contacts {
			if _, ok := c.SocialResponsePolicies[contact.ResponsePolicy]; !ok {
				c.Warnings = append(c.Warnings, fmt.Sprintf("tile %s: contact %q uses unknown response policy %q", id, contact.Name, contact.ResponsePolicy))
			}
		}
		c.Tiles[id] = tile
	}
	if len(c.Tiles) != GridSize {
		c.Warnings = append(c.Warnings, fmt.Sprintf("expected %d tiles, control file defines %d", GridSize, len(c.Tiles)))
	}

	seen := make(map[string]bool, len(c.PrepActions))
	for _, a := range c.PrepActions {
		if seen[a.ID] {
			problems = append(problems, fmt.Sprintf("duplicate preparation action %q", a.ID))
		}
		seen[a.ID] = true
		cmp, ok := c.Compare(a.AvailableFrom, a.AvailableUntil)
		if !ok {
			problems = append(problems, fmt.Sprintf("preparation action %q: window bounds are not comparable to time steps", a.ID))
			continue
		}
		if cmp > 0 {
			problems = append(problems, fmt.Sprintf("preparation action %q: available_from after available_until", a.ID))
		}
	}

	if _, err := parseClock(c.StartTimeDisplay); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return &SchemaError{Problems: problems}
	}
	return nil
}

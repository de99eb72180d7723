package survey

import (
	"github.com/shopspring/decimal"

	"github.com/warp/evac-survey/scenario"
)

// Read-only helpers the presentation layer renders from. They take a State
// copy so callers never hold the session lock while rendering.

// CurrentTime returns the step value at the session's index, or false once
// the steps are exhausted.
func (c *Controller) CurrentTime(st State) (scenario.TimeValue, bool) {
	return c.Config.TimeAt(st.TimeIndex)
}

// TimeLabel renders the in-scenario clock.
func (c *Controller) TimeLabel(st State) string {
	return c.Config.TimeLabel(st.TimeIndex)
}

// HasNewUpdate reports whether a tile's content is new at this step.
func (c *Controller) HasNewUpdate(st State, id scenario.TileID) bool {
	return c.Config.HasNewUpdate(id, st.TimeIndex)
}

// IsNew reports whether a tile should be flagged: it has an update the
// participant has not opened this step.
func (c *Controller) IsNew(st State, id scenario.TileID) bool {
	return c.HasNewUpdate(st, id) && !st.ViewedUpdates[id]
}

// AvailablePrepActions lists the actions inside their window at the current
// step, completed ones included.
func (c *Controller) AvailablePrepActions(st State) []scenario.PrepAction {
	var out []scenario.PrepAction
	for _, a := range c.Config.PrepActions {
		if c.Config.PrepAvailable(a, st.TimeIndex) {
			out = append(out, a)
		}
	}
	return out
}

// CanProceed reports whether the assessment can be started.
func (c *Controller) CanProceed(st State) bool {
	return st.Phase == PhaseDashboard && len(st.TilesOpenedThisStep) > 0
}

// PrepMinutesCommitted sums the estimated minutes of completed actions.
func (c *Controller) PrepMinutesCommitted(st State) decimal.Decimal {
	total := decimal.Zero
	for _, id := range st.CompletedPrepActions {
		if a, ok := c.Config.PrepAction(id); ok {
			total = total.Add(a.EstimatedTimeMinutes)
		}
	}
	return total
}

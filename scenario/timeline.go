package scenario

import (
	"fmt"
	"time"
)

// TimeAt returns the step value at index, or false once the index has run
// past the last step.
func (c *Config) TimeAt(index int) (TimeValue, bool) {
	if index < 0 || index >= len(c.TimeSteps) {
		return "", false
	}
	return c.TimeSteps[index], true
}

// Compare orders two step values. Numeric values compare numerically; any
// other value compares by its position in time_steps. The second result is
// false when the pair cannot be ordered.
func (c *Config) Compare(a, b TimeValue) (int, bool) {
	if da, ok := a.Numeric(); ok {
		if db, ok := b.Numeric(); ok {
			return da.Cmp(db), true
		}
	}
	ia, okA := c.stepIndex[a]
	ib, okB := c.stepIndex[b]
	if !okA || !okB {
		return 0, false
	}
	switch {
	case ia < ib:
		return -1, true
	case ia > ib:
		return 1, true
	}
	return 0, true
}

// PrepAvailable reports whether action a can be performed at step index.
// Nothing is available once the steps are exhausted.
func (c *Config) PrepAvailable(a PrepAction, index int) bool {
	now, ok := c.TimeAt(index)
	if !ok {
		return false
	}
	lo, ok := c.Compare(a.AvailableFrom, now)
	if !ok || lo > 0 {
		return false
	}
	hi, ok := c.Compare(now, a.AvailableUntil)
	return ok && hi <= 0
}

// ContentAt returns what a standard tile shows at step index. Unknown tiles,
// social tiles and steps without content all yield nil.
func (c *Config) ContentAt(id TileID, index int) *Content {
	tile, ok := c.Tiles[id]
	if !ok {
		return nil
	}
	step, ok := c.TimeAt(index)
	if !ok {
		return nil
	}
	return tile.Content[step.Key()]
}

// HasNewUpdate reports whether a tile carries content the participant has
// not been shown before at this step: any content on the first step, or
// content that differs from the previous step afterwards.
func (c *Config) HasNewUpdate(id TileID, index int) bool {
	if _, ok := c.Tiles[id]; !ok {
		return false
	}
	if index == 0 {
		return c.ContentAt(id, 0) != nil
	}
	if _, ok := c.TimeAt(index); !ok {
		return false
	}
	return !c.ContentAt(id, index).Equal(c.ContentAt(id, index-1))
}

// SocialReply looks up a contact's reply at step index.
func (c *Config) SocialReply(policy string, index int) (string, bool) {
	step, ok := c.TimeAt(index)
	if !ok {
		return "", false
	}
	replies, ok := c.SocialResponsePolicies[policy]
	if !ok {
		return "", false
	}
	reply, ok := replies[step.Key()]
	return reply, ok
}

// TimeLabel renders the in-scenario clock for step index, one hour per step.
func (c *Config) TimeLabel(index int) string {
	return c.clockAt(index).Format("03:04 PM")
}

// EndOfWindow reports whether the in-scenario clock at step index has
// reached the configured end-of-day hour.
func (c *Config) EndOfWindow(index int) bool {
	return c.clockAt(index).Hour() >= c.EndOfDayHour
}

func (c *Config) clockAt(index int) time.Time {
	start, err := parseClock(c.StartTimeDisplay)
	if err != nil {
		// Parse rejects bad clocks; fall back for hand-built configs.
		start, _ = parseClock("14:00")
	}
	return start.Add(time.Duration(index) * time.Hour)
}

func parseClock(s string) (time.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("start_time_display %q: want HH:MM", s)
	}
	return t, nil
}

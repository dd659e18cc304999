package orders

import "time"

// DeadMansSwitch tracks when the venue-side auto-cancel was last re-armed
// and whether it is due again, at a cadence comfortably shorter than the
// venue's own timeout (spec §4.5, e.g. 15s re-arm for a 60s timeout).
type DeadMansSwitch struct {
	timeout     time.Duration
	rearmEvery  time.Duration
	lastArmedAt time.Time
}

// NewDeadMansSwitch creates a switch for the given venue timeout, re-arming
// at rearmEvery (which should be well under timeout).
func NewDeadMansSwitch(timeout, rearmEvery time.Duration) *DeadMansSwitch {
	return &DeadMansSwitch{timeout: timeout, rearmEvery: rearmEvery}
}

// Due reports whether the switch needs to be re-armed as of now.
func (d *DeadMansSwitch) Due(now time.Time) bool {
	return d.lastArmedAt.IsZero() || now.Sub(d.lastArmedAt) >= d.rearmEvery
}

// Armed records that the switch was successfully re-armed at now.
func (d *DeadMansSwitch) Armed(now time.Time) {
	d.lastArmedAt = now
}

// Timeout returns the venue-side timeout this switch re-arms against.
func (d *DeadMansSwitch) Timeout() time.Duration {
	return d.timeout
}

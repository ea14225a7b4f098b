// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package machine

import (
	"fmt"
	"time"
)

// Position is a machine coordinate in millimetres
type Position struct {
	X, Y, Z, A float64
}

// Add returns p + o
func (p Position) Add(o Position) Position {
	return Position{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z, A: p.A + o.A}
}

// Sub returns p - o
func (p Position) Sub(o Position) Position {
	return Position{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z, A: p.A - o.A}
}

// String formats the position with three decimals
func (p Position) String() string {
	return fmt.Sprintf("X%.3f Y%.3f Z%.3f", p.X, p.Y, p.Z)
}

// Axis bits used by incremental reports
const (
	AxisX uint8 = 1 << iota
	AxisY
	AxisZ
	AxisA

	AllAxes = AxisX | AxisY | AxisZ | AxisA
)

// merge takes the axes not in mask from prev
func (p Position) merge(prev Position, mask uint8) Position {
	if mask&AxisX == 0 {
		p.X = prev.X
	}
	if mask&AxisY == 0 {
		p.Y = prev.Y
	}
	if mask&AxisZ == 0 {
		p.Z = prev.Z
	}
	if mask&AxisA == 0 {
		p.A = prev.A
	}
	return p
}

// Overrides holds the feed, rapid and spindle override percentages
type Overrides struct {
	Feed, Rapid, Spindle float64
}

// Status is one controller status snapshot. A Status is never mutated after
// it has been published; each report produces a new value.
type Status struct {
	State    State
	SubState string // raw qualifier such as "0" in "Hold:0"
	HasState bool

	MPos Position // machine position
	WPos Position // work position
	WCO  Position // work coordinate offset

	// Which positions the report carried
	HasMPos bool
	HasWPos bool
	HasWCO  bool

	// Axes carried by an incremental (JSON) report. Zero means the report
	// carried every axis of the positions it has.
	Axes uint8

	HasFeed bool
	Feed    float64
	Spindle float64

	// Buffer utilization (GRBL "Bf:" field, TinyG queue report)
	HasBuffer   bool
	PlannerFree int
	RxFree      int

	Line      int
	Overrides Overrides
	Pins      string
	Accessory string

	Received time.Time
}

// Resolve fills in the fields a report left out from the previous snapshot.
// GRBL only sends WCO every few reports and sends either MPos or WPos, so
// the missing position is derived from the most recent offset. JSON
// dialects report no offset and only what changed, so a position they
// leave out keeps its previous value.
func (s Status) Resolve(prev *Status) Status {
	out := s
	if prev == nil {
		prev = &Status{}
	}
	if !out.HasState {
		out.State = prev.State
		out.SubState = prev.SubState
		out.HasState = prev.HasState
	}
	if !out.HasFeed {
		out.Feed = prev.Feed
		out.Spindle = prev.Spindle
		out.HasFeed = prev.HasFeed
	}
	if out.Axes != 0 {
		if out.HasMPos {
			out.MPos = out.MPos.merge(prev.MPos, out.Axes)
		}
		if out.HasWPos {
			out.WPos = out.WPos.merge(prev.WPos, out.Axes)
		}
		out.Axes = 0
	}
	if !out.HasWCO {
		out.WCO = prev.WCO
		out.HasWCO = prev.HasWCO
	}
	// Without a known offset the other position is carried forward; it is
	// only derived when nothing better is known.
	switch {
	case out.HasMPos && !out.HasWPos:
		if out.HasWCO || !prev.HasWPos {
			out.WPos = out.MPos.Sub(out.WCO)
		} else {
			out.WPos, out.HasWPos = prev.WPos, true
		}
	case out.HasWPos && !out.HasMPos:
		if out.HasWCO || !prev.HasMPos {
			out.MPos = out.WPos.Add(out.WCO)
		} else {
			out.MPos, out.HasMPos = prev.MPos, true
		}
	case !out.HasMPos && !out.HasWPos:
		out.MPos, out.WPos = prev.MPos, prev.WPos
		out.HasMPos, out.HasWPos = prev.HasMPos, prev.HasWPos
	}
	if !out.HasBuffer {
		out.HasBuffer = prev.HasBuffer
		out.PlannerFree = prev.PlannerFree
		out.RxFree = prev.RxFree
	}
	return out
}

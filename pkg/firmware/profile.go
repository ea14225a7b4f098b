// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Thermoquad/graver/pkg/frame"
)

// Kind identifies a firmware family
type Kind int

// Firmware families
const (
	Grbl Kind = iota
	TinyG
	G2Core
	Smoothieware
	FluidNC
)

// Kinds lists every supported family
var Kinds = []Kind{Grbl, TinyG, G2Core, Smoothieware, FluidNC}

// String returns the family name
func (k Kind) String() string {
	switch k {
	case Grbl:
		return "grbl"
	case TinyG:
		return "tinyg"
	case G2Core:
		return "g2core"
	case Smoothieware:
		return "smoothieware"
	case FluidNC:
		return "fluidnc"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses a family name as accepted by --firmware
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "grbl":
		return Grbl, nil
	case "tinyg":
		return TinyG, nil
	case "g2core", "g2":
		return G2Core, nil
	case "smoothieware", "smoothie":
		return Smoothieware, nil
	case "fluidnc":
		return FluidNC, nil
	}
	return Grbl, fmt.Errorf("unknown firmware %q", name)
}

// Correlation selects how acknowledgements are matched to sent commands
type Correlation int

const (
	// CorrelateFIFO completes the oldest sent command
	CorrelateFIFO Correlation = iota
	// CorrelateByID matches the acknowledgement's sequence number, falling
	// back to FIFO when the acknowledgement carries none
	CorrelateByID
)

// String returns the strategy name
func (c Correlation) String() string {
	if c == CorrelateByID {
		return "by-id"
	}
	return "fifo"
}

// CreditUnit is what the receive buffer capacity counts
type CreditUnit int

// Credit units
const (
	CreditBytes CreditUnit = iota
	CreditLines
)

// RealtimeKind names an out-of-band control action
type RealtimeKind int

// Realtime actions
const (
	RealtimeStatusQuery RealtimeKind = iota
	RealtimeFeedHold
	RealtimeCycleStart
	RealtimeSoftReset
	RealtimeJogCancel
	RealtimeFeedOvReset
	RealtimeFeedOvPlus10
	RealtimeFeedOvMinus10
	RealtimeRapidOv100
	RealtimeRapidOv50
	RealtimeRapidOv25
	RealtimeSpindleOvReset
	RealtimeSpindleOvPlus10
	RealtimeSpindleOvMinus10
)

var realtimeNames = map[RealtimeKind]string{
	RealtimeStatusQuery:      "status",
	RealtimeFeedHold:         "hold",
	RealtimeCycleStart:       "resume",
	RealtimeSoftReset:        "reset",
	RealtimeJogCancel:        "jog-cancel",
	RealtimeFeedOvReset:      "feed-reset",
	RealtimeFeedOvPlus10:     "feed+10",
	RealtimeFeedOvMinus10:    "feed-10",
	RealtimeRapidOv100:       "rapid-100",
	RealtimeRapidOv50:        "rapid-50",
	RealtimeRapidOv25:        "rapid-25",
	RealtimeSpindleOvReset:   "spindle-reset",
	RealtimeSpindleOvPlus10:  "spindle+10",
	RealtimeSpindleOvMinus10: "spindle-10",
}

// String returns the action name
func (r RealtimeKind) String() string {
	if name, ok := realtimeNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RealtimeKind(%d)", int(r))
}

// grblRealtime is the full GRBL 1.1 realtime byte map
var grblRealtime = map[RealtimeKind]byte{
	RealtimeStatusQuery:      ByteStatusQuery,
	RealtimeFeedHold:         ByteFeedHold,
	RealtimeCycleStart:       ByteCycleStart,
	RealtimeSoftReset:        ByteSoftReset,
	RealtimeJogCancel:        ByteJogCancel,
	RealtimeFeedOvReset:      ByteFeedOvReset,
	RealtimeFeedOvPlus10:     ByteFeedOvPlus10,
	RealtimeFeedOvMinus10:    ByteFeedOvMinus10,
	RealtimeRapidOv100:       ByteRapidOv100,
	RealtimeRapidOv50:        ByteRapidOv50,
	RealtimeRapidOv25:        ByteRapidOv25,
	RealtimeSpindleOvReset:   ByteSpindleReset,
	RealtimeSpindleOvPlus10:  ByteSpindlePlus10,
	RealtimeSpindleOvMinus10: ByteSpindleMin10,
}

// Profile is the immutable description of one firmware dialect
type Profile struct {
	kind        Kind
	capacity    int
	unit        CreditUnit
	terminator  string
	framing     frame.Mode
	correlation Correlation
	lowWater    int
	baud        int
}

// ForKind returns the profile for a firmware family
func ForKind(k Kind) Profile {
	switch k {
	case Grbl:
		return Profile{
			kind:        Grbl,
			capacity:    GrblBufferSize,
			unit:        CreditBytes,
			terminator:  "\n",
			framing:     frame.ModeLine,
			correlation: CorrelateFIFO,
			baud:        115200,
		}
	case Smoothieware:
		return Profile{
			kind:        Smoothieware,
			capacity:    SmoothieBufferSize,
			unit:        CreditBytes,
			terminator:  "\n",
			framing:     frame.ModeLine,
			correlation: CorrelateFIFO,
			baud:        115200,
		}
	case TinyG:
		return Profile{
			kind:        TinyG,
			capacity:    TinyGLineBuffer,
			unit:        CreditLines,
			terminator:  "\n",
			framing:     frame.ModeJSON,
			correlation: CorrelateByID,
			lowWater:    PlannerLowWaterMark,
			baud:        115200,
		}
	case G2Core:
		return Profile{
			kind:        G2Core,
			capacity:    G2CoreLineBuffer,
			unit:        CreditLines,
			terminator:  "\n",
			framing:     frame.ModeJSON,
			correlation: CorrelateByID,
			lowWater:    PlannerLowWaterMark,
			baud:        115200,
		}
	case FluidNC:
		return Profile{
			kind:        FluidNC,
			capacity:    FluidNCLineBuffer,
			unit:        CreditLines,
			terminator:  "",
			framing:     frame.ModeMessage,
			correlation: CorrelateByID,
			baud:        115200,
		}
	}
	return ForKind(Grbl)
}

// WithCapacity returns a copy of p with a different buffer capacity.
// Non-positive values leave the profile unchanged.
func (p Profile) WithCapacity(n int) Profile {
	if n > 0 {
		p.capacity = n
	}
	return p
}

// ForStream adapts a message framed profile to a byte stream link such as
// serial or telnet: commands are newline terminated and responses are split
// on newlines. Other profiles are returned unchanged.
func (p Profile) ForStream() Profile {
	if p.framing == frame.ModeMessage {
		p.framing = frame.ModeLine
		p.terminator = "\n"
	}
	return p
}

// Kind returns the firmware family
func (p Profile) Kind() Kind { return p.kind }

// BufferCapacity returns the controller receive buffer size in credit units
func (p Profile) BufferCapacity() int { return p.capacity }

// CreditUnit returns what BufferCapacity counts
func (p Profile) CreditUnit() CreditUnit { return p.unit }

// Terminator returns the command line terminator
func (p Profile) Terminator() string { return p.terminator }

// Framing returns the reassembler mode for responses
func (p Profile) Framing() frame.Mode { return p.framing }

// Correlation returns the acknowledgement matching strategy
func (p Profile) Correlation() Correlation { return p.correlation }

// LowWater returns the planner slots that must stay free before dispatching,
// or zero when the dialect reports no queue depth.
func (p Profile) LowWater() int { return p.lowWater }

// BaudRate returns the default serial speed
func (p Profile) BaudRate() int { return p.baud }

// String returns a one-line description
func (p Profile) String() string {
	unit := "bytes"
	if p.unit == CreditLines {
		unit = "lines"
	}
	return fmt.Sprintf("%s (%d %s, %s)", p.kind, p.capacity, unit, p.correlation)
}

// FormatCommand returns the wire bytes for one command. seq is the engine
// sequence number, embedded as a line number by the JSON dialects so their
// acknowledgements can be correlated. Text already in JSON form is passed
// through unwrapped.
func (p Profile) FormatCommand(text string, seq uint32) []byte {
	text = strings.TrimRight(text, "\r\n")
	switch p.kind {
	case Grbl, Smoothieware:
		return []byte(text + p.terminator)
	case TinyG, G2Core, FluidNC:
		if strings.HasPrefix(text, "{") {
			return []byte(text + p.terminator)
		}
		return []byte(wrapGCode(text, seq) + p.terminator)
	}
	return []byte(text + p.terminator)
}

func wrapGCode(text string, seq uint32) string {
	line := fmt.Sprintf("N%d %s", seq, text)
	quoted, _ := json.Marshal(line)
	return `{"gc":` + string(quoted) + `}`
}

// Cost returns the credit a formatted command consumes
func (p Profile) Cost(wire []byte) int {
	if p.unit == CreditLines {
		return 1
	}
	return len(wire)
}

// RealtimeByte maps a realtime action to its control byte
func (p Profile) RealtimeByte(kind RealtimeKind) (byte, bool) {
	switch p.kind {
	case Grbl, FluidNC:
		b, ok := grblRealtime[kind]
		return b, ok
	case TinyG, G2Core, Smoothieware:
		switch kind {
		case RealtimeStatusQuery, RealtimeFeedHold, RealtimeCycleStart, RealtimeSoftReset:
			return grblRealtime[kind], true
		}
		return 0, false
	}
	return 0, false
}

// UnlockCommand returns the command that clears an alarm lock
func (p Profile) UnlockCommand() string {
	switch p.kind {
	case Grbl, FluidNC, Smoothieware:
		return "$X"
	case TinyG, G2Core:
		return `{"clear":null}`
	}
	return "$X"
}

// HomeCommand returns the command that runs the homing cycle
func (p Profile) HomeCommand() string {
	switch p.kind {
	case Grbl, FluidNC, Smoothieware:
		return "$H"
	case TinyG, G2Core:
		return "G28.2 X0 Y0 Z0"
	}
	return "$H"
}

// JogCommand builds an incremental jog for the given axis words, e.g.
// "X10 Y-2". Returns false when the dialect has no jog command.
func (p Profile) JogCommand(words string, feed float64) (string, bool) {
	words = strings.TrimSpace(words)
	if words == "" || feed <= 0 {
		return "", false
	}
	switch p.kind {
	case Grbl, FluidNC:
		return fmt.Sprintf("$J=G91 G21 %s F%g", words, feed), true
	case Smoothieware:
		return fmt.Sprintf("$J %s F%g", words, feed), true
	case TinyG, G2Core:
		return "", false
	}
	return "", false
}

// Parse decodes one response frame
func (p Profile) Parse(f []byte) (Response, error) {
	switch p.kind {
	case Grbl:
		return parseGrbl(f)
	case Smoothieware:
		return parseSmoothie(f)
	case TinyG, G2Core:
		return parseJSON(f, false)
	case FluidNC:
		return parseJSON(f, true)
	}
	return Response{}, &ProtocolError{Frame: string(f), Reason: "no parser for " + p.kind.String()}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sim provides an in-memory GRBL 1.1 controller.
//
// Grbl implements transport.Connection. Bytes written to it are handled the
// way the firmware handles them: realtime bytes act immediately, everything
// else goes through a 127 byte receive buffer that a worker drains one line
// at a time. Replies are read back with Read.
package sim

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/graver/internal/logging"
	"github.com/Thermoquad/graver/pkg/firmware"
	"github.com/Thermoquad/graver/pkg/gcode"
	"github.com/Thermoquad/graver/pkg/machine"
	"github.com/Thermoquad/graver/pkg/transport"
)

// Version is the firmware version in the banner
const Version = "1.1h"

// Banner is printed at power up and after a soft reset
const Banner = "Grbl " + Version + " ['$' for help]"

const plannerSize = 15

// GRBL error and alarm codes the simulator produces
const (
	errExpectedCommandLetter = 1
	errBadNumberFormat       = 2
	errInvalidStatement      = 3
	errSystemLocked          = 9
	errLineOverflow          = 11
	errUnsupportedCommand    = 20

	alarmResetInMotion = 3
)

var _ transport.Connection = (*Grbl)(nil)

// Option configures a simulator
type Option func(*Grbl)

// WithLogger logs every line in and out at debug level
func WithLogger(logger logrus.FieldLogger) Option {
	return func(g *Grbl) {
		g.logger = logger
	}
}

// WithChunkSize splits replies into reads of at most n bytes
func WithChunkSize(n int) Option {
	return func(g *Grbl) {
		g.chunk = n
	}
}

// WithLineDelay makes the worker spend d on every line
func WithLineDelay(d time.Duration) Option {
	return func(g *Grbl) {
		g.delay = d
	}
}

// WithoutBanner suppresses the power-up banner
func WithoutBanner() Option {
	return func(g *Grbl) {
		g.banner = false
	}
}

// Grbl is a simulated GRBL controller
type Grbl struct {
	logger logrus.FieldLogger
	chunk  int
	delay  time.Duration
	banner bool

	mu   sync.Mutex
	cond *sync.Cond

	// receive side
	line       []byte
	overflowed bool
	queue      []string
	rxUsed     int
	rxHigh     int
	overflows  int
	received   []string

	// transmit side
	out [][]byte

	state     machine.State
	subState  string
	held      bool
	alarmCode int
	relative  bool
	motion    int
	wpos      machine.Position
	wco       machine.Position
	feed      float64
	spindle   float64
	ov        machine.Overrides
	failures  map[int]int

	closed bool
	done   chan struct{}
}

// NewGrbl starts a simulator. Call Close to stop it.
func NewGrbl(opts ...Option) *Grbl {
	g := &Grbl{
		logger:   logging.Discard(),
		banner:   true,
		state:    machine.StateIdle,
		ov:       machine.Overrides{Feed: 100, Rapid: 100, Spindle: 100},
		failures: make(map[int]int),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.cond = sync.NewCond(&g.mu)

	if g.banner {
		g.mu.Lock()
		g.reply("")
		g.reply(Banner)
		g.mu.Unlock()
	}

	go g.run()
	return g
}

// Read returns reply bytes, blocking until some are available
func (g *Grbl) Read(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for len(g.out) == 0 && !g.closed {
		g.cond.Wait()
	}
	if len(g.out) == 0 {
		return 0, transport.ErrConnectionClosed
	}

	n := copy(p, g.out[0])
	if n == len(g.out[0]) {
		g.out = g.out[1:]
	} else {
		g.out[0] = g.out[0][n:]
	}
	return n, nil
}

// Write feeds bytes to the controller. It never blocks.
func (g *Grbl) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return 0, transport.ErrConnectionClosed
	}
	for _, b := range p {
		if g.realtime(b) {
			continue
		}
		switch b {
		case '\r':
		case '\n':
			if g.rxUsed+len(g.line)+1 > firmware.GrblBufferSize && !g.overflowed {
				g.overflows++
				g.overflowed = true
			}
			g.endLine()
		default:
			if g.rxUsed+len(g.line)+1 > firmware.GrblBufferSize {
				if !g.overflowed {
					g.overflows++
				}
				g.overflowed = true
				continue
			}
			g.line = append(g.line, b)
		}
	}
	return len(p), nil
}

// Close stops the worker. Pending reads return ErrConnectionClosed.
func (g *Grbl) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.cond.Broadcast()
	g.mu.Unlock()
	<-g.done
	return nil
}

// String describes the simulator
func (g *Grbl) String() string {
	return "Simulator: Grbl " + Version
}

// FailLine makes the n-th received line (counting from 1) reply error:code
func (g *Grbl) FailLine(n, code int) {
	g.mu.Lock()
	g.failures[n] = code
	g.mu.Unlock()
}

// TriggerAlarm raises an alarm as a limit switch would
func (g *Grbl) TriggerAlarm(code int) {
	g.mu.Lock()
	g.alarm(code)
	g.mu.Unlock()
}

// Received returns every line the worker has processed
func (g *Grbl) Received() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.received...)
}

// MaxBuffered returns the high-water mark of the receive buffer in bytes
func (g *Grbl) MaxBuffered() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rxHigh
}

// Overflows counts lines that did not fit in the receive buffer
func (g *Grbl) Overflows() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.overflows
}

// State returns the simulated controller state
func (g *Grbl) State() machine.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Position returns the work position
func (g *Grbl) Position() machine.Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wpos
}

// endLine moves the assembled line into the receive queue
func (g *Grbl) endLine() {
	text := string(g.line)
	if g.overflowed {
		// the worker turns this into error:11
		text = "\x00"
	}
	g.line = g.line[:0]
	g.overflowed = false

	g.queue = append(g.queue, text)
	g.rxUsed += len(text) + 1
	if g.rxUsed > g.rxHigh {
		g.rxHigh = g.rxUsed
	}
	if g.state == machine.StateIdle && isMotion(text) {
		g.state = machine.StateRun
	}
	g.cond.Broadcast()
}

func isMotion(text string) bool {
	return text != "" && text[0] != '$' && text != "\x00"
}

// realtime handles a realtime byte and reports whether b was one
func (g *Grbl) realtime(b byte) bool {
	switch b {
	case firmware.ByteStatusQuery:
		g.reply(g.statusReport())
	case firmware.ByteFeedHold:
		if g.state == machine.StateRun || g.state == machine.StateJog || g.state == machine.StateIdle {
			g.held = true
			g.state = machine.StateHold
			g.subState = "0"
		}
	case firmware.ByteCycleStart:
		if g.held {
			g.held = false
			g.subState = ""
			g.state = machine.StateIdle
			if len(g.queue) > 0 {
				g.state = machine.StateRun
			}
			g.cond.Broadcast()
		}
	case firmware.ByteSoftReset:
		g.softReset()
	case firmware.ByteJogCancel:
		if g.state == machine.StateJog {
			g.dropQueued(func(text string) bool { return strings.HasPrefix(text, "$J=") })
			g.state = machine.StateIdle
		}
	default:
		if b < 0x80 {
			return false
		}
		g.override(b)
	}
	return true
}

func (g *Grbl) override(b byte) {
	clamp := func(v, lo, hi float64) float64 {
		return min(max(v, lo), hi)
	}
	switch b {
	case firmware.ByteFeedOvReset:
		g.ov.Feed = 100
	case firmware.ByteFeedOvPlus10:
		g.ov.Feed = clamp(g.ov.Feed+10, 10, 200)
	case firmware.ByteFeedOvMinus10:
		g.ov.Feed = clamp(g.ov.Feed-10, 10, 200)
	case firmware.ByteRapidOv100:
		g.ov.Rapid = 100
	case firmware.ByteRapidOv50:
		g.ov.Rapid = 50
	case firmware.ByteRapidOv25:
		g.ov.Rapid = 25
	case firmware.ByteSpindleReset:
		g.ov.Spindle = 100
	case firmware.ByteSpindlePlus10:
		g.ov.Spindle = clamp(g.ov.Spindle+10, 10, 200)
	case firmware.ByteSpindleMin10:
		g.ov.Spindle = clamp(g.ov.Spindle-10, 10, 200)
	}
}

func (g *Grbl) dropQueued(match func(string) bool) {
	kept := g.queue[:0]
	for _, text := range g.queue {
		if match(text) {
			g.rxUsed -= len(text) + 1
			continue
		}
		kept = append(kept, text)
	}
	g.queue = kept
}

func (g *Grbl) softReset() {
	inMotion := g.state == machine.StateRun || g.state == machine.StateJog || g.state == machine.StateHome
	g.queue = nil
	g.rxUsed = 0
	g.line = g.line[:0]
	g.overflowed = false
	g.held = false
	g.subState = ""
	if g.state != machine.StateAlarm {
		g.state = machine.StateIdle
	}
	if inMotion {
		g.state = machine.StateAlarm
		g.alarmCode = alarmResetInMotion
	}

	g.reply("")
	g.reply(Banner)
	if g.state == machine.StateAlarm {
		g.reply("[MSG:'$H'|'$X' to unlock]")
	}
	g.cond.Broadcast()
}

func (g *Grbl) alarm(code int) {
	g.state = machine.StateAlarm
	g.subState = ""
	g.held = false
	g.alarmCode = code
	g.reply(fmt.Sprintf("ALARM:%d", code))
}

// reply queues one line of output, split into chunks when configured
func (g *Grbl) reply(line string) {
	g.logger.WithField("line", line).Debug("sim <")
	data := []byte(line + "\r\n")
	for g.chunk > 0 && len(data) > g.chunk {
		g.out = append(g.out, data[:g.chunk])
		data = data[g.chunk:]
	}
	g.out = append(g.out, data)
	g.cond.Broadcast()
}

func (g *Grbl) statusReport() string {
	state := g.state.String()
	if g.subState != "" {
		state += ":" + g.subState
	}
	mpos := g.wpos.Add(g.wco)
	return fmt.Sprintf("<%s|MPos:%.3f,%.3f,%.3f|Bf:%d,%d|FS:%.0f,%.0f|WCO:%.3f,%.3f,%.3f|Ov:%.0f,%.0f,%.0f>",
		state, mpos.X, mpos.Y, mpos.Z,
		plannerSize-min(len(g.queue), plannerSize), firmware.GrblBufferSize-g.rxUsed,
		g.feed, g.spindle,
		g.wco.X, g.wco.Y, g.wco.Z,
		g.ov.Feed, g.ov.Rapid, g.ov.Spindle)
}

// run drains the receive queue one line at a time
func (g *Grbl) run() {
	defer close(g.done)

	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		for (len(g.queue) == 0 || g.held) && !g.closed {
			g.cond.Wait()
		}
		if g.closed {
			return
		}

		if g.delay > 0 {
			g.mu.Unlock()
			time.Sleep(g.delay)
			g.mu.Lock()
			if len(g.queue) == 0 || g.held {
				// reset or hold while sleeping
				continue
			}
		}

		text := g.queue[0]
		g.queue = g.queue[1:]
		g.rxUsed -= len(text) + 1
		g.received = append(g.received, text)
		g.logger.WithField("line", text).Debug("sim >")

		if code, ok := g.failures[len(g.received)]; ok {
			g.reply(fmt.Sprintf("error:%d", code))
		} else {
			g.execute(text)
		}

		if len(g.queue) == 0 && (g.state == machine.StateRun || g.state == machine.StateJog) {
			g.state = machine.StateIdle
		}
	}
}

// execute runs one line and replies
func (g *Grbl) execute(text string) {
	switch {
	case text == "\x00":
		g.reply(fmt.Sprintf("error:%d", errLineOverflow))
	case text == "":
		g.reply("ok")
	case text[0] == '$':
		g.system(text)
	default:
		if g.state == machine.StateAlarm {
			g.reply(fmt.Sprintf("error:%d", errSystemLocked))
			return
		}
		if code := g.gcode(text, false); code != 0 {
			g.reply(fmt.Sprintf("error:%d", code))
			return
		}
		g.reply("ok")
	}
}

func (g *Grbl) system(text string) {
	switch {
	case text == "$X":
		if g.state == machine.StateAlarm {
			g.state = machine.StateIdle
			g.alarmCode = 0
			g.reply("[MSG:Caution: Unlocked]")
		}
		g.reply("ok")
	case text == "$H":
		g.wpos = machine.Position{}
		g.wco = machine.Position{}
		g.state = machine.StateIdle
		g.alarmCode = 0
		g.reply("ok")
	case strings.HasPrefix(text, "$J="):
		if g.state == machine.StateAlarm {
			g.reply(fmt.Sprintf("error:%d", errSystemLocked))
			return
		}
		if code := g.gcode(text[3:], true); code != 0 {
			g.reply(fmt.Sprintf("error:%d", code))
			return
		}
		g.state = machine.StateJog
		if len(g.queue) == 0 {
			g.state = machine.StateIdle
		}
		g.reply("ok")
	case text == "$G":
		mode := "G90"
		if g.relative {
			mode = "G91"
		}
		g.reply(fmt.Sprintf("[GC:G%d G54 G17 G21 %s G94 M5 M9 T0 F%.0f S%.0f]", g.motion, mode, g.feed, g.spindle))
		g.reply("ok")
	case text == "$I":
		g.reply("[VER:" + Version + ".20190830:]")
		g.reply("[OPT:V,15,128]")
		g.reply("ok")
	case text == "$$":
		for _, s := range []string{"$0=10", "$1=25", "$2=0", "$3=0", "$10=1", "$11=0.010", "$12=0.002", "$13=0",
			"$20=0", "$21=0", "$22=0", "$100=250.000", "$101=250.000", "$102=250.000",
			"$110=500.000", "$111=500.000", "$112=500.000", "$120=10.000", "$121=10.000", "$122=10.000"} {
			g.reply(s)
		}
		g.reply("ok")
	default:
		g.reply(fmt.Sprintf("error:%d", errInvalidStatement))
	}
}

// gcode applies the words of one block. Jog blocks are always relative to
// the current position when they carry G91 and never change the modal state.
func (g *Grbl) gcode(text string, jog bool) int {
	relative := g.relative
	motion := g.motion
	feed := g.feed
	spindle := g.spindle
	target := g.wpos
	var axes uint8

	for _, w := range gcode.Words(gcode.StripComments(text)) {
		if len(w) < 2 {
			return errBadNumberFormat
		}
		letter := w[0]
		if letter < 'A' || letter > 'Z' {
			return errExpectedCommandLetter
		}
		v, err := strconv.ParseFloat(w[1:], 64)
		if err != nil {
			return errBadNumberFormat
		}
		switch letter {
		case 'G':
			switch v {
			case 0, 1, 2, 3:
				motion = int(v)
			case 90:
				relative = false
			case 91:
				relative = true
			case 4, 17, 18, 19, 20, 21, 54, 55, 56, 57, 58, 59, 94, 93, 80:
			default:
				return errUnsupportedCommand
			}
		case 'M':
			switch v {
			case 3, 4:
			case 5:
				spindle = 0
			case 0, 1, 2, 30, 7, 8, 9:
			default:
				return errUnsupportedCommand
			}
		case 'F':
			feed = v
		case 'S':
			spindle = v
		case 'X':
			target.X, axes = v, axes|machine.AxisX
		case 'Y':
			target.Y, axes = v, axes|machine.AxisY
		case 'Z':
			target.Z, axes = v, axes|machine.AxisZ
		case 'A':
			target.A, axes = v, axes|machine.AxisA
		case 'I', 'J', 'K', 'N', 'P', 'R', 'T':
		default:
			return errUnsupportedCommand
		}
	}

	if relative {
		if axes&machine.AxisX != 0 {
			target.X += g.wpos.X
		}
		if axes&machine.AxisY != 0 {
			target.Y += g.wpos.Y
		}
		if axes&machine.AxisZ != 0 {
			target.Z += g.wpos.Z
		}
		if axes&machine.AxisA != 0 {
			target.A += g.wpos.A
		}
	}

	g.wpos = target
	g.feed = feed
	if !jog {
		g.relative = relative
		g.motion = motion
		g.spindle = spindle
	}
	return 0
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/graver/pkg/firmware"
	"github.com/Thermoquad/graver/pkg/frame"
	"github.com/Thermoquad/graver/pkg/machine"
)

// lineReader collects reply lines from a simulator in the background
type lineReader struct {
	lines chan string
}

func readLines(g *Grbl) *lineReader {
	r := &lineReader{lines: make(chan string, 256)}
	go func() {
		defer close(r.lines)
		re := frame.New(frame.ModeLine, 0)
		buf := make([]byte, 64)
		for {
			n, err := g.Read(buf)
			if err != nil {
				return
			}
			frames, _ := re.Feed(buf[:n])
			for _, f := range frames {
				r.lines <- string(f)
			}
		}
	}()
	return r
}

func (r *lineReader) next(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-r.lines:
		require.True(t, ok, "simulator closed")
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return ""
	}
}

// until skips lines until one has the prefix
func (r *lineReader) until(t *testing.T, prefix string) string {
	t.Helper()
	for {
		if line := r.next(t); strings.HasPrefix(line, prefix) {
			return line
		}
	}
}

// ============================================================================
// Startup and commands
// ============================================================================

func TestBanner(t *testing.T) {
	g := NewGrbl()
	defer g.Close()
	r := readLines(g)

	banner := r.next(t)
	assert.Equal(t, Banner, banner)
	kind, ok := firmware.Detect([]byte(banner))
	assert.True(t, ok)
	assert.Equal(t, firmware.Grbl, kind)
}

func TestMotionAndStatus(t *testing.T) {
	g := NewGrbl(WithoutBanner())
	defer g.Close()
	r := readLines(g)

	_, err := g.Write([]byte("G21 G90\nG0 X10 Y5\nG91\nG1 X1.5 F300\n"))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.Equal(t, "ok", r.next(t))
	}
	assert.Equal(t, machine.Position{X: 11.5, Y: 5}, g.Position())

	_, err = g.Write([]byte{firmware.ByteStatusQuery})
	require.NoError(t, err)
	report := r.next(t)
	assert.True(t, strings.HasPrefix(report, "<Idle|MPos:11.500,5.000,0.000|Bf:15,127|FS:300,0"), report)

	resp, err := firmware.ForKind(firmware.Grbl).Parse([]byte(report))
	require.NoError(t, err)
	require.Equal(t, firmware.ResponseStatus, resp.Kind)
	assert.Equal(t, machine.StateIdle, resp.Status.State)
	assert.Equal(t, 300.0, resp.Status.Feed)
}

func TestErrors(t *testing.T) {
	g := NewGrbl(WithoutBanner())
	defer g.Close()
	r := readLines(g)

	_, _ = g.Write([]byte("G1 X1\n$Q\nG5.1 X1\nXabc\n"))
	assert.Equal(t, "ok", r.next(t))
	assert.Equal(t, "error:3", r.next(t))
	assert.Equal(t, "error:20", r.next(t))
	assert.Equal(t, "error:2", r.next(t))
}

func TestFailLine(t *testing.T) {
	g := NewGrbl(WithoutBanner())
	defer g.Close()
	r := readLines(g)

	g.FailLine(2, 33)
	_, _ = g.Write([]byte("G0 X1\nG0 X2\nG0 X3\n"))
	assert.Equal(t, "ok", r.next(t))
	assert.Equal(t, "error:33", r.next(t))
	assert.Equal(t, "ok", r.next(t))
	assert.Equal(t, []string{"G0 X1", "G0 X2", "G0 X3"}, g.Received())
}

func TestSystemCommands(t *testing.T) {
	g := NewGrbl(WithoutBanner())
	defer g.Close()
	r := readLines(g)

	_, _ = g.Write([]byte("$G\n"))
	assert.True(t, strings.HasPrefix(r.next(t), "[GC:G0 G54"))
	assert.Equal(t, "ok", r.next(t))

	_, _ = g.Write([]byte("$I\n"))
	assert.True(t, strings.HasPrefix(r.next(t), "[VER:1.1h"))
	assert.Equal(t, "[OPT:V,15,128]", r.next(t))
	assert.Equal(t, "ok", r.next(t))

	_, _ = g.Write([]byte("$$\n"))
	assert.Equal(t, "$0=10", r.next(t))
	assert.Equal(t, "ok", r.until(t, "ok"))
}

// ============================================================================
// Alarm, unlock and reset
// ============================================================================

func TestAlarmLocksUntilUnlock(t *testing.T) {
	g := NewGrbl(WithoutBanner())
	defer g.Close()
	r := readLines(g)

	g.TriggerAlarm(1)
	assert.Equal(t, "ALARM:1", r.next(t))
	assert.Equal(t, machine.StateAlarm, g.State())

	_, _ = g.Write([]byte("G0 X1\n$J=G91 X1 F100\n"))
	assert.Equal(t, "error:9", r.next(t))
	assert.Equal(t, "error:9", r.next(t))

	_, _ = g.Write([]byte("$X\n"))
	assert.Equal(t, "[MSG:Caution: Unlocked]", r.next(t))
	assert.Equal(t, "ok", r.next(t))
	assert.Equal(t, machine.StateIdle, g.State())

	_, _ = g.Write([]byte("G0 X1\n"))
	assert.Equal(t, "ok", r.next(t))
}

func TestHome(t *testing.T) {
	g := NewGrbl(WithoutBanner())
	defer g.Close()
	r := readLines(g)

	_, _ = g.Write([]byte("G0 X4 Y4\n"))
	assert.Equal(t, "ok", r.next(t))
	g.TriggerAlarm(9)
	r.until(t, "ALARM:9")

	_, _ = g.Write([]byte("$H\n"))
	assert.Equal(t, "ok", r.next(t))
	assert.Equal(t, machine.StateIdle, g.State())
	assert.Equal(t, machine.Position{}, g.Position())
}

func TestSoftResetPrintsBanner(t *testing.T) {
	g := NewGrbl(WithoutBanner(), WithLineDelay(50*time.Millisecond))
	defer g.Close()
	r := readLines(g)

	_, _ = g.Write([]byte("G1 X1 F100\nG1 X2\nG1 X3\n"))
	_, _ = g.Write([]byte{firmware.ByteSoftReset})

	assert.Equal(t, Banner, r.until(t, "Grbl"))
	assert.Equal(t, "[MSG:'$H'|'$X' to unlock]", r.next(t), "reset while moving raises an alarm")
	assert.Equal(t, machine.StateAlarm, g.State())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, g.Received(), "queued lines are flushed")
}

// ============================================================================
// Realtime bytes
// ============================================================================

func TestHoldAndResume(t *testing.T) {
	g := NewGrbl(WithoutBanner())
	defer g.Close()
	r := readLines(g)

	_, _ = g.Write([]byte{firmware.ByteFeedHold})
	_, _ = g.Write([]byte("G0 X1\n?"))
	assert.True(t, strings.HasPrefix(r.next(t), "<Hold:0|"))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, g.Received(), "no lines run while held")

	_, _ = g.Write([]byte{firmware.ByteCycleStart})
	assert.Equal(t, "ok", r.next(t))
}

func TestOverrides(t *testing.T) {
	g := NewGrbl(WithoutBanner())
	defer g.Close()
	r := readLines(g)

	_, _ = g.Write([]byte{firmware.ByteFeedOvPlus10, firmware.ByteFeedOvPlus10, firmware.ByteRapidOv25, firmware.ByteSpindleMin10, '?'})
	report := r.next(t)
	assert.Contains(t, report, "|Ov:120,25,90>")
}

func TestRealtimeInsideLine(t *testing.T) {
	g := NewGrbl(WithoutBanner())
	defer g.Close()
	r := readLines(g)

	// realtime bytes are picked out of the stream and never reach the line
	_, _ = g.Write([]byte("G0 X?1\n"))
	assert.True(t, strings.HasPrefix(r.next(t), "<"))
	assert.Equal(t, "ok", r.next(t))
	assert.Equal(t, []string{"G0 X1"}, g.Received())
}

// ============================================================================
// Buffer accounting
// ============================================================================

func TestReceiveBufferOverflow(t *testing.T) {
	g := NewGrbl(WithoutBanner(), WithLineDelay(20*time.Millisecond))
	defer g.Close()
	r := readLines(g)

	line := "G1 X" + strings.Repeat("1", 60) + "\n"
	_, _ = g.Write([]byte(line + line))

	assert.Equal(t, "ok", r.next(t))
	assert.Equal(t, "error:11", r.next(t), "second line does not fit in 127 bytes")
	assert.Equal(t, 1, g.Overflows())
}

func TestMaxBuffered(t *testing.T) {
	g := NewGrbl(WithoutBanner(), WithLineDelay(10*time.Millisecond))
	defer g.Close()
	r := readLines(g)

	_, _ = g.Write([]byte("G0 X1\nG0 X2\n"))
	r.next(t)
	r.next(t)
	assert.Equal(t, 12, g.MaxBuffered())
	assert.Zero(t, g.Overflows())
}

func TestChunkedReplies(t *testing.T) {
	g := NewGrbl(WithChunkSize(3))
	defer g.Close()
	r := readLines(g)

	assert.Equal(t, Banner, r.next(t))
	_, _ = g.Write([]byte("G0 X1\n"))
	assert.Equal(t, "ok", r.next(t))
}

func TestCloseUnblocksRead(t *testing.T) {
	g := NewGrbl(WithoutBanner())
	done := make(chan error, 1)
	go func() {
		_, err := g.Read(make([]byte, 8))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, g.Close())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}

	_, err := g.Write([]byte("?"))
	assert.Error(t, err)
}

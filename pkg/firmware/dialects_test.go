// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/graver/pkg/frame"
	"github.com/Thermoquad/graver/pkg/machine"
)

// ============================================================
// Profiles
// ============================================================

func TestProfiles(t *testing.T) {
	tests := []struct {
		kind        Kind
		capacity    int
		unit        CreditUnit
		framing     frame.Mode
		correlation Correlation
	}{
		{Grbl, 127, CreditBytes, frame.ModeLine, CorrelateFIFO},
		{Smoothieware, 128, CreditBytes, frame.ModeLine, CorrelateFIFO},
		{TinyG, 4, CreditLines, frame.ModeJSON, CorrelateByID},
		{G2Core, 8, CreditLines, frame.ModeJSON, CorrelateByID},
		{FluidNC, 8, CreditLines, frame.ModeMessage, CorrelateByID},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			p := ForKind(tt.kind)
			assert.Equal(t, tt.kind, p.Kind())
			assert.Equal(t, tt.capacity, p.BufferCapacity())
			assert.Equal(t, tt.unit, p.CreditUnit())
			assert.Equal(t, tt.framing, p.Framing())
			assert.Equal(t, tt.correlation, p.Correlation())

			parsed, err := ParseKind(tt.kind.String())
			require.NoError(t, err)
			assert.Equal(t, tt.kind, parsed)
		})
	}

	_, err := ParseKind("marlin")
	assert.Error(t, err)
	assert.Equal(t, 64, ForKind(Grbl).WithCapacity(64).BufferCapacity())
	assert.Equal(t, 127, ForKind(Grbl).WithCapacity(0).BufferCapacity())
}

func TestJSONFormatCommand(t *testing.T) {
	p := ForKind(TinyG)
	wire := p.FormatCommand("G1 X1 F100", 7)
	assert.Equal(t, `{"gc":"N7 G1 X1 F100"}`+"\n", string(wire))
	assert.Equal(t, 1, p.Cost(wire))

	assert.Equal(t, `{"sr":null}`+"\n", string(p.FormatCommand(`{"sr":null}`, 8)))

	fluid := ForKind(FluidNC)
	assert.Equal(t, `{"gc":"N3 G0 X\"1\""}`, string(fluid.FormatCommand(`G0 X"1"`, 3)))
}

func TestRealtimeSupport(t *testing.T) {
	_, ok := ForKind(TinyG).RealtimeByte(RealtimeJogCancel)
	assert.False(t, ok)
	b, ok := ForKind(Smoothieware).RealtimeByte(RealtimeSoftReset)
	assert.True(t, ok)
	assert.Equal(t, byte(0x18), b)
	b, ok = ForKind(FluidNC).RealtimeByte(RealtimeFeedOvPlus10)
	assert.True(t, ok)
	assert.Equal(t, byte(0x91), b)
}

func TestHelperCommands(t *testing.T) {
	assert.Equal(t, "$X", ForKind(Grbl).UnlockCommand())
	assert.Equal(t, `{"clear":null}`, ForKind(G2Core).UnlockCommand())
	assert.Equal(t, "$H", ForKind(FluidNC).HomeCommand())

	jog, ok := ForKind(Grbl).JogCommand("X10 Y-2", 1500)
	require.True(t, ok)
	assert.Equal(t, "$J=G91 G21 X10 Y-2 F1500", jog)

	_, ok = ForKind(TinyG).JogCommand("X1", 100)
	assert.False(t, ok)
	_, ok = ForKind(Grbl).JogCommand("", 100)
	assert.False(t, ok)
}

// ============================================================
// Smoothieware
// ============================================================

func TestSmoothieParse(t *testing.T) {
	p := ForKind(Smoothieware)

	resp, err := p.Parse([]byte("ok T:21.3 /0.0 @0"))
	require.NoError(t, err)
	assert.Equal(t, ResponseOk, resp.Kind)
	assert.Equal(t, "T:21.3 /0.0 @0", resp.Message)

	resp, err = p.Parse([]byte("error:Unsupported command"))
	require.NoError(t, err)
	assert.Equal(t, ResponseError, resp.Kind)
	assert.Equal(t, 0, resp.Code)
	assert.Equal(t, "Unsupported command", resp.Message)

	resp, err = p.Parse([]byte("!!"))
	require.NoError(t, err)
	assert.Equal(t, ResponseAlarm, resp.Kind)

	resp, err = p.Parse([]byte("<Idle,MPos:0.0000,0.0000,0.0000,WPos:0.0000,0.0000,0.0000>"))
	require.NoError(t, err)
	require.Equal(t, ResponseStatus, resp.Kind)
	assert.Equal(t, machine.StateIdle, resp.Status.State)

	resp, err = p.Parse([]byte("Smoothie"))
	require.NoError(t, err)
	assert.Equal(t, ResponseWelcome, resp.Kind)

	resp, err = p.Parse([]byte("Build version: edge-3332442, Build date: xxx"))
	require.NoError(t, err)
	assert.Equal(t, ResponseInfo, resp.Kind)
}

// ============================================================
// TinyG / g2core
// ============================================================

func TestJSONParseAck(t *testing.T) {
	p := ForKind(G2Core)

	resp, err := p.Parse([]byte(`{"r":{"n":12},"f":[1,0,22]}`))
	require.NoError(t, err)
	assert.Equal(t, ResponseOk, resp.Kind)
	assert.True(t, resp.HasID)
	assert.Equal(t, uint32(12), resp.ID)

	resp, err = p.Parse([]byte(`{"r":{"gc":"N44 G0X1"},"f":[1,0,11]}`))
	require.NoError(t, err)
	assert.True(t, resp.HasID)
	assert.Equal(t, uint32(44), resp.ID)

	resp, err = p.Parse([]byte(`{"r":{},"f":[1,3,6]}`))
	require.NoError(t, err)
	assert.Equal(t, ResponseOk, resp.Kind, "NOOP is not an error")
	assert.False(t, resp.HasID)

	resp, err = p.Parse([]byte(`{"r":{"n":5,"msg":"Unrecognized command"},"f":[1,40,9]}`))
	require.NoError(t, err)
	assert.Equal(t, ResponseError, resp.Kind)
	assert.Equal(t, 40, resp.Code)
	assert.Equal(t, "Unrecognized command", resp.Message)

	// footer inside r
	resp, err = ForKind(TinyG).Parse([]byte(`{"r":{"n":2,"f":[1,0,9,1234]}}`))
	require.NoError(t, err)
	assert.Equal(t, ResponseOk, resp.Kind)
	assert.Equal(t, uint32(2), resp.ID)
}

func TestJSONParseAckWithReports(t *testing.T) {
	resp, err := ForKind(TinyG).Parse([]byte(`{"r":{"sr":{"stat":5,"posx":1.5},"qr":20},"f":[1,0,8]}`))
	require.NoError(t, err)
	assert.Equal(t, ResponseOk, resp.Kind)
	require.NotNil(t, resp.Status)
	assert.Equal(t, machine.StateRun, resp.Status.State)
	assert.True(t, resp.HasQueue)
	assert.Equal(t, 20, resp.QueueFree)
}

func TestJSONParseStatus(t *testing.T) {
	p := ForKind(TinyG)

	tests := []struct {
		stat int
		want machine.State
	}{
		{1, machine.StateIdle},
		{2, machine.StateAlarm},
		{3, machine.StateIdle},
		{5, machine.StateRun},
		{6, machine.StateHold},
		{9, machine.StateHome},
		{10, machine.StateJog},
		{11, machine.StateDoor},
		{13, machine.StateAlarm},
	}
	for _, tt := range tests {
		resp, err := p.Parse([]byte(`{"sr":{"stat":` + strconv.Itoa(tt.stat) + `}}`))
		require.NoError(t, err)
		assert.Equal(t, tt.want, resp.Status.State, "stat %d", tt.stat)
	}

	resp, err := p.Parse([]byte(`{"sr":{"posx":1.0,"posz":-3.5,"vel":250,"line":17}}`))
	require.NoError(t, err)
	s := resp.Status
	assert.False(t, s.HasState)
	assert.True(t, s.HasWPos)
	assert.Equal(t, machine.AxisX|machine.AxisZ, s.Axes)
	assert.Equal(t, 250.0, s.Feed)
	assert.Equal(t, 17, s.Line)

	prev := &machine.Status{State: machine.StateRun, HasState: true, WPos: machine.Position{Y: 9}, HasWPos: true}
	resolved := s.Resolve(prev)
	assert.Equal(t, machine.Position{X: 1, Y: 9, Z: -3.5}, resolved.WPos)
	assert.Equal(t, machine.StateRun, resolved.State)
}

func TestJSONStatusKeepsMachinePosition(t *testing.T) {
	p := ForKind(TinyG)

	resp, err := p.Parse([]byte(`{"sr":{"stat":3,"posx":5,"mpox":15}}`))
	require.NoError(t, err)
	first := resp.Status.Resolve(nil)
	assert.Equal(t, 15.0, first.MPos.X)

	// a work offset change reports only the work position
	resp, err = p.Parse([]byte(`{"sr":{"posx":0}}`))
	require.NoError(t, err)
	next := resp.Status.Resolve(&first)
	assert.Equal(t, 0.0, next.WPos.X)
	assert.Equal(t, 15.0, next.MPos.X)
}

func TestJSONParseOther(t *testing.T) {
	p := ForKind(TinyG)

	resp, err := p.Parse([]byte(`{"qr":28,"qi":1,"qo":0}`))
	require.NoError(t, err)
	assert.Equal(t, ResponseQueueReport, resp.Kind)
	assert.Equal(t, 28, resp.QueueFree)

	resp, err = p.Parse([]byte(`{"er":{"fb":440.2,"st":204,"msg":"Limit switch hit"}}`))
	require.NoError(t, err)
	assert.Equal(t, ResponseAlarm, resp.Kind)
	assert.Equal(t, 204, resp.Code)
	assert.Equal(t, "Limit switch hit", resp.Message)

	resp, err = p.Parse([]byte(`{"r":{"fv":0.97,"fb":440.2,"hp":1,"msg":"SYSTEM READY"},"f":[1,0,0]}`))
	require.NoError(t, err)
	assert.Equal(t, ResponseWelcome, resp.Kind)
	assert.Equal(t, "440.2", resp.Version)

	resp, err = p.Parse([]byte("tinyg [mm] ok>"))
	require.NoError(t, err)
	assert.Equal(t, ResponseInfo, resp.Kind)

	_, err = p.Parse([]byte(`{"r":`))
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)

	_, err = p.Parse([]byte(`{"r":{"n":1}}`))
	assert.ErrorAs(t, err, &perr, "ack without footer")
}

func TestFluidNCParsesGrblText(t *testing.T) {
	p := ForKind(FluidNC)

	resp, err := p.Parse([]byte("<Idle|MPos:0.000,0.000,0.000|FS:0,0>"))
	require.NoError(t, err)
	assert.Equal(t, ResponseStatus, resp.Kind)

	resp, err = p.Parse([]byte(`{"r":{"n":3},"f":[1,0,8]}`))
	require.NoError(t, err)
	assert.Equal(t, ResponseOk, resp.Kind)
	assert.Equal(t, uint32(3), resp.ID)
}

// ============================================================
// Detection
// ============================================================

func TestDetect(t *testing.T) {
	tests := []struct {
		frame string
		kind  Kind
		ok    bool
	}{
		{"Grbl 1.1h ['$' for help]", Grbl, true},
		{"Grbl 3.7 [FluidNC v3.7.8 (wifi) '$' for help]", FluidNC, true},
		{"Smoothie", Smoothieware, true},
		{"<Idle|MPos:0.000,0.000,0.000|FS:0,0>", Grbl, true},
		{`{"r":{"fv":0.97,"fb":440.2,"msg":"SYSTEM READY"},"f":[1,0,0]}`, TinyG, true},
		{`{"r":{"fv":0.98,"fb":101.02,"msg":"SYSTEM READY"},"f":[1,0,0]}`, G2Core, true},
		{"ok", Grbl, false},
		{"", Grbl, false},
		{"{garbage", Grbl, false},
	}

	for _, tt := range tests {
		t.Run(tt.frame, func(t *testing.T) {
			kind, ok := Detect([]byte(tt.frame))
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.kind, kind)
			}
		})
	}
}

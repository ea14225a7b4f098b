// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package machine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// State parsing
// ============================================================

func TestParseState(t *testing.T) {
	tests := []struct {
		name string
		want State
	}{
		{"Idle", StateIdle},
		{"Run", StateRun},
		{"Hold:0", StateHold},
		{"Hold:1", StateHold},
		{"Door:2", StateDoor},
		{"Alarm", StateAlarm},
		{"alarm", StateAlarm},
		{"Home", StateHome},
		{"Jog", StateJog},
		{"Check", StateCheck},
		{"Sleep", StateSleep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseState(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseState("Dancing")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Disconnected", StateDisconnected.String())
	assert.Equal(t, "Sleep", StateSleep.String())
	assert.Equal(t, "State(99)", State(99).String())
	assert.Equal(t, "alarm_event", TriggerAlarm.String())
}

// ============================================================
// Transitions
// ============================================================

// connected returns a machine that went through open and init_ok
func connected(t *testing.T, opts ...Option) *StateMachine {
	t.Helper()
	m := NewStateMachine(opts...)
	_, ok := m.Fire(TriggerOpen)
	require.True(t, ok)
	_, ok = m.Fire(TriggerInitOK)
	require.True(t, ok)
	require.Equal(t, StateIdle, m.State())
	return m
}

func TestLifecycleTransitions(t *testing.T) {
	tests := []struct {
		name     string
		triggers []Trigger
		want     State
	}{
		{"stream start", []Trigger{TriggerStreamStart}, StateRun},
		{"hold and resume", []Trigger{TriggerStreamStart, TriggerHold, TriggerResume}, StateRun},
		{"alarm from run", []Trigger{TriggerStreamStart, TriggerAlarm}, StateAlarm},
		{"alarm from hold", []Trigger{TriggerStreamStart, TriggerHold, TriggerAlarm}, StateAlarm},
		{"alarm from idle then unlock", []Trigger{TriggerAlarm, TriggerUnlock}, StateIdle},
		{"jog", []Trigger{TriggerJog}, StateJog},
		{"jog done", []Trigger{TriggerJog, TriggerJogDone}, StateIdle},
		{"home", []Trigger{TriggerHome}, StateHome},
		{"home done", []Trigger{TriggerHome, TriggerHomeDone}, StateIdle},
		{"home out of alarm", []Trigger{TriggerAlarm, TriggerHome, TriggerHomeDone}, StateIdle},
		{"reset while running", []Trigger{TriggerStreamStart, TriggerReset}, StateIdle},
		{"reset keeps alarm", []Trigger{TriggerAlarm, TriggerReset}, StateAlarm},
		{"connection lost", []Trigger{TriggerStreamStart, TriggerConnectionLost}, StateDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := connected(t)
			for _, trig := range tt.triggers {
				m.Fire(trig)
			}
			assert.Equal(t, tt.want, m.State())
		})
	}
}

func TestInvalidTransitionIgnored(t *testing.T) {
	m := NewStateMachine()

	state, ok := m.Fire(TriggerStreamStart)
	assert.False(t, ok)
	assert.Equal(t, StateDisconnected, state)

	m = connected(t)
	_, ok = m.Fire(TriggerUnlock)
	assert.False(t, ok, "unlock is only legal in alarm")
	assert.Equal(t, StateIdle, m.State())

	_, ok = m.Fire(TriggerResume)
	assert.False(t, ok)
	assert.False(t, m.Can(TriggerJogDone))
	assert.True(t, m.Can(TriggerJog))
}

func TestConnectionLostFromEveryState(t *testing.T) {
	for s := StateDisconnected; s <= StateSleep; s++ {
		m := NewStateMachine()
		m.state = s
		to, ok := m.Fire(TriggerConnectionLost)
		assert.True(t, ok, s.String())
		assert.Equal(t, StateDisconnected, to)
	}
}

func TestChangeCallback(t *testing.T) {
	type change struct{ from, to State }
	var changes []change

	m := connected(t, WithChangeFunc(func(from, to State) {
		changes = append(changes, change{from, to})
	}))
	m.Fire(TriggerStreamStart)
	m.Fire(TriggerUnlock) // rejected, no callback

	assert.Equal(t, []change{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateIdle},
		{StateIdle, StateRun},
	}, changes)
}

func TestChangeCallbackOrdered(t *testing.T) {
	type change struct{ from, to State }
	var mu sync.Mutex
	var changes []change

	m := connected(t, WithChangeFunc(func(from, to State) {
		mu.Lock()
		changes = append(changes, change{from, to})
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for _, s := range []State{StateRun, StateHold} {
		wg.Add(1)
		go func(s State) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.Observe(s)
				m.Observe(StateIdle)
			}
		}(s)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, changes)
	for i := 1; i < len(changes); i++ {
		require.Equal(t, changes[i-1].to, changes[i].from, "change %d", i)
	}
	assert.Equal(t, m.State(), changes[len(changes)-1].to)
}

// ============================================================
// Observed states
// ============================================================

func TestObserve(t *testing.T) {
	m := NewStateMachine()
	assert.False(t, m.Observe(StateIdle), "ignored while disconnected")
	assert.Equal(t, StateDisconnected, m.State())

	m.Fire(TriggerOpen)
	assert.True(t, m.Observe(StateAlarm), "report completes the handshake")
	assert.Equal(t, StateAlarm, m.State())

	assert.False(t, m.Observe(StateAlarm), "no change")
	assert.False(t, m.Observe(StateConnecting), "reports never carry link states")
	assert.True(t, m.Observe(StateIdle))
	assert.Equal(t, StateIdle, m.State())
}

// ============================================================
// Status
// ============================================================

func TestStatusResolve(t *testing.T) {
	prev := &Status{
		WCO:         Position{X: 10, Y: 20, Z: -5},
		HasWCO:      true,
		HasBuffer:   true,
		PlannerFree: 15,
		RxFree:      127,
	}

	s := Status{MPos: Position{X: 15, Y: 25, Z: 0}, HasMPos: true}.Resolve(prev)
	assert.Equal(t, Position{X: 5, Y: 5, Z: 5}, s.WPos)
	assert.True(t, s.HasWCO)
	assert.Equal(t, 127, s.RxFree)

	s = Status{WPos: Position{X: 1}, HasWPos: true}.Resolve(prev)
	assert.Equal(t, Position{X: 11, Y: 20, Z: -5}, s.MPos)

	s = Status{MPos: Position{X: 3}, HasMPos: true}.Resolve(nil)
	assert.Equal(t, Position{X: 3}, s.WPos)
}

func TestStatusResolveIncremental(t *testing.T) {
	prev := &Status{
		State:    StateRun,
		HasState: true,
		WPos:     Position{X: 1, Y: 2, Z: 3},
		HasWPos:  true,
		HasFeed:  true,
		Feed:     500,
	}

	// only posy and vel changed
	s := Status{WPos: Position{Y: 7}, HasWPos: true, Axes: AxisY}.Resolve(prev)
	assert.Equal(t, StateRun, s.State)
	assert.Equal(t, Position{X: 1, Y: 7, Z: 3}, s.WPos)
	assert.Equal(t, Position{X: 1, Y: 7, Z: 3}, s.MPos)
	assert.Equal(t, 500.0, s.Feed)
	assert.Zero(t, s.Axes)

	// a state-only report keeps the positions
	s = Status{State: StateIdle, HasState: true}.Resolve(&s)
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, Position{X: 1, Y: 7, Z: 3}, s.WPos)
}

func TestStatusResolveWithoutOffset(t *testing.T) {
	prev := &Status{
		MPos:    Position{X: 15},
		WPos:    Position{X: 5},
		HasMPos: true,
		HasWPos: true,
	}

	// G92 moves the work origin; the machine did not move
	s := Status{WPos: Position{X: 0}, HasWPos: true, Axes: AxisX}.Resolve(prev)
	assert.Equal(t, Position{X: 0}, s.WPos)
	assert.Equal(t, Position{X: 15}, s.MPos)
	assert.True(t, s.HasMPos)

	s = Status{MPos: Position{Y: 4}, HasMPos: true, Axes: AxisY}.Resolve(prev)
	assert.Equal(t, Position{X: 15, Y: 4}, s.MPos)
	assert.Equal(t, Position{X: 5}, s.WPos)
	assert.True(t, s.HasWPos)
}

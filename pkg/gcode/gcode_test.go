// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"G0 X1", "G0 X1"},
		{"  G1   X2\tY3  ", "G1 X2 Y3"},
		{"G1 X1 ; move", "G1 X1"},
		{"; header", ""},
		{"(setup) G21 (mm)", "G21"},
		{"G0 (outer (inner)) X5", "G0 X5"},
		{"M3 S1000 (unclosed", "M3 S1000"},
		{"%", ""},
		{"", ""},
		{"\r", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Clean(tt.in), "Clean(%q)", tt.in)
	}
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"G1", "X10.5", "Y-2"}, Words("g1x10.5 y-2"))
	assert.Equal(t, []string{"G0", "X1", "Y2", "Z3"}, Words("G0X1 Y2Z3"))
	assert.Empty(t, Words(""))
}

func TestReadProgram(t *testing.T) {
	src := "%\n(job)\nG21\r\nG90 ; absolute\n\nG0 X0 Y0\nM5\n%\n"

	lines, err := ReadProgram(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, []Line{
		{Number: 3, Text: "G21"},
		{Number: 4, Text: "G90"},
		{Number: 6, Text: "G0 X0 Y0"},
		{Number: 7, Text: "M5"},
	}, lines)
}

func TestReadProgramLineTooLong(t *testing.T) {
	src := "G0 X1\n" + strings.Repeat("X", MaxLineLength+1) + "\n"

	lines, err := ReadProgram(strings.NewReader(src))
	assert.ErrorContains(t, err, "line 2")
	assert.Len(t, lines, 1)
}

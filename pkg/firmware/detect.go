// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"bytes"
	"encoding/json"
	"strings"
)

// g2core build numbers run 100.xx-101.xx; TinyG builds are in the 400s
const (
	g2coreBuildFloor   = 100
	g2coreBuildCeiling = 200
)

// Detect guesses the firmware family from a frame the controller printed on
// its own, normally the startup banner. Returns false when the frame says
// nothing about the firmware.
func Detect(f []byte) (Kind, bool) {
	line := bytes.TrimSpace(f)
	if len(line) == 0 {
		return Grbl, false
	}

	if line[0] == '{' {
		var obj jsonObject
		if err := json.Unmarshal(line, &obj); err != nil {
			return Grbl, false
		}
		if r, ok := obj.object("r"); ok {
			obj = r
		}
		if fb, ok := obj.number("fb"); ok {
			if fb >= g2coreBuildFloor && fb < g2coreBuildCeiling {
				return G2Core, true
			}
			return TinyG, true
		}
		if obj.has("fv") {
			return TinyG, true
		}
		return Grbl, false
	}

	text := string(line)
	switch {
	case strings.Contains(text, "FluidNC"):
		return FluidNC, true
	case strings.HasPrefix(text, "Grbl "):
		return Grbl, true
	case strings.HasPrefix(text, "Smoothie"), strings.Contains(text, "Smoothieware"):
		return Smoothieware, true
	case strings.HasPrefix(text, "<") && strings.Contains(text, "|"):
		// GRBL 1.1 status report; 0.9 and Smoothieware use commas
		return Grbl, true
	}
	return Grbl, false
}

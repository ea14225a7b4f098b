// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Thermoquad/graver/pkg/machine"
)

// jsonObject is a decoded JSON object with its values left raw
type jsonObject map[string]json.RawMessage

func (o jsonObject) has(key string) bool {
	_, ok := o[key]
	return ok
}

func (o jsonObject) number(key string) (float64, bool) {
	raw, ok := o[key]
	if !ok {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

func (o jsonObject) text(key string) (string, bool) {
	raw, ok := o[key]
	if !ok {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

func (o jsonObject) object(key string) (jsonObject, bool) {
	raw, ok := o[key]
	if !ok {
		return nil, false
	}
	var v jsonObject
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return nil, false
	}
	return v, true
}

// parseJSON decodes a TinyG, g2core or FluidNC JSON response. FluidNC also
// prints GRBL style text (status reports, banners), which is decoded with the
// GRBL grammar when grblText is set.
func parseJSON(f []byte, grblText bool) (Response, error) {
	trimmed := bytes.TrimSpace(f)
	raw := string(trimmed)

	if len(trimmed) == 0 {
		return Response{Raw: raw}, protocolError(raw, "empty frame")
	}
	if trimmed[0] != '{' {
		if grblText {
			return parseGrbl(trimmed)
		}
		return Response{Kind: ResponseInfo, Raw: raw, Message: raw}, nil
	}

	var obj jsonObject
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return Response{Raw: raw}, protocolError(raw, "invalid JSON: %v", err)
	}

	switch {
	case obj.has("r"):
		return parseJSONAck(raw, obj)
	case obj.has("er"):
		er, _ := obj.object("er")
		resp := Response{Kind: ResponseAlarm, Raw: raw}
		if code, ok := er.number("st"); ok {
			resp.Code = int(code)
		}
		resp.Message, _ = er.text("msg")
		return resp, nil
	case obj.has("sr"):
		sr, ok := obj.object("sr")
		if !ok {
			return Response{Raw: raw}, protocolError(raw, "status report is not an object")
		}
		return Response{Kind: ResponseStatus, Raw: raw, Status: parseStatusObject(sr)}, nil
	case obj.has("qr"):
		qr, ok := obj.number("qr")
		if !ok {
			return Response{Raw: raw}, protocolError(raw, "queue report is not a number")
		}
		return Response{Kind: ResponseQueueReport, Raw: raw, QueueFree: int(qr), HasQueue: true}, nil
	case obj.has("fb") || obj.has("fv"):
		return Response{Kind: ResponseWelcome, Raw: raw, Version: jsonVersion(obj)}, nil
	}

	msg, _ := obj.text("msg")
	return Response{Kind: ResponseInfo, Raw: raw, Message: msg}, nil
}

// parseJSONAck decodes {"r":{...},"f":[rev,status,rx,...]}. Older TinyG
// builds put the footer inside r.
func parseJSONAck(raw string, obj jsonObject) (Response, error) {
	r, ok := obj.object("r")
	if !ok {
		return Response{Raw: raw}, protocolError(raw, "response body is not an object")
	}

	// the startup banner arrives as a response with nothing to acknowledge
	if msg, _ := r.text("msg"); msg == "SYSTEM READY" {
		return Response{Kind: ResponseWelcome, Raw: raw, Version: jsonVersion(r), Message: msg}, nil
	}

	footerRaw, ok := obj["f"]
	if !ok {
		footerRaw, ok = r["f"]
	}
	if !ok {
		return Response{Raw: raw}, protocolError(raw, "response without footer")
	}
	var footer []float64
	if err := json.Unmarshal(footerRaw, &footer); err != nil || len(footer) < 2 {
		return Response{Raw: raw}, protocolError(raw, "malformed footer")
	}

	resp := Response{Kind: ResponseOk, Raw: raw}
	status := int(footer[1])
	if status == tinygStatusError || status >= tinygErrorThreshold {
		resp.Kind = ResponseError
		resp.Code = status
		resp.Message, _ = r.text("msg")
		if resp.Message == "" {
			resp.Message = fmt.Sprintf("status %d", status)
		}
	}

	if n, ok := r.number("n"); ok {
		resp.ID, resp.HasID = uint32(n), true
	} else if gc, ok := r.text("gc"); ok {
		resp.ID, resp.HasID = lineNumber(gc)
	}

	if sr, ok := r.object("sr"); ok {
		resp.Status = parseStatusObject(sr)
	}
	if qr, ok := r.number("qr"); ok {
		resp.QueueFree, resp.HasQueue = int(qr), true
	}
	return resp, nil
}

// lineNumber extracts N from a "N12 G0X1" echo
func lineNumber(gc string) (uint32, bool) {
	gc = strings.TrimSpace(gc)
	if len(gc) < 2 || (gc[0] != 'N' && gc[0] != 'n') {
		return 0, false
	}
	end := 1
	for end < len(gc) && gc[end] >= '0' && gc[end] <= '9' {
		end++
	}
	n, err := strconv.ParseUint(gc[1:end], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func jsonVersion(o jsonObject) string {
	if fb, ok := o.number("fb"); ok {
		return strconv.FormatFloat(fb, 'f', -1, 64)
	}
	if fv, ok := o.number("fv"); ok {
		return strconv.FormatFloat(fv, 'f', -1, 64)
	}
	return ""
}

// jsonStates maps the TinyG/g2core "stat" machine state
var jsonStates = map[int]machine.State{
	statInitializing: machine.StateIdle,
	statReady:        machine.StateIdle,
	statAlarm:        machine.StateAlarm,
	statStop:         machine.StateIdle,
	statEnd:          machine.StateIdle,
	statRun:          machine.StateRun,
	statHold:         machine.StateHold,
	statProbe:        machine.StateRun,
	statCycle:        machine.StateRun,
	statHoming:       machine.StateHome,
	statJog:          machine.StateJog,
	statInterlock:    machine.StateDoor,
	statShutdown:     machine.StateAlarm,
	statPanic:        machine.StateAlarm,
}

var axisKeys = []struct {
	suffix byte
	bit    uint8
}{
	{'x', machine.AxisX},
	{'y', machine.AxisY},
	{'z', machine.AxisZ},
	{'a', machine.AxisA},
}

// parseStatusObject decodes an incremental status report. Only the fields
// present are marked; Status.Resolve fills in the rest.
func parseStatusObject(sr jsonObject) *machine.Status {
	s := &machine.Status{}

	if stat, ok := sr.number("stat"); ok {
		if state, known := jsonStates[int(stat)]; known {
			s.State, s.HasState = state, true
			s.SubState = strconv.Itoa(int(stat))
		}
	}

	for _, axis := range axisKeys {
		if v, ok := sr.number("pos" + string(axis.suffix)); ok {
			setAxis(&s.WPos, axis.bit, v)
			s.HasWPos = true
			s.Axes |= axis.bit
		}
		if v, ok := sr.number("mpo" + string(axis.suffix)); ok {
			setAxis(&s.MPos, axis.bit, v)
			s.HasMPos = true
			s.Axes |= axis.bit
		}
	}

	if vel, ok := sr.number("vel"); ok {
		s.Feed, s.HasFeed = vel, true
	}
	if spe, ok := sr.number("spe"); ok {
		s.Spindle = spe
	}
	if line, ok := sr.number("line"); ok {
		s.Line = int(line)
	} else if n, ok := sr.number("n"); ok {
		s.Line = int(n)
	}
	return s
}

func setAxis(p *machine.Position, bit uint8, v float64) {
	switch bit {
	case machine.AxisX:
		p.X = v
	case machine.AxisY:
		p.Y = v
	case machine.AxisZ:
		p.Z = v
	case machine.AxisA:
		p.A = v
	}
}

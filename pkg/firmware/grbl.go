// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"strconv"
	"strings"

	"github.com/Thermoquad/graver/pkg/machine"
)

// parseGrbl decodes one GRBL 0.9/1.1 response line
func parseGrbl(f []byte) (Response, error) {
	line := strings.TrimSpace(string(f))
	resp := Response{Raw: line}

	switch {
	case line == "":
		return resp, protocolError(line, "empty frame")

	case line == "ok":
		resp.Kind = ResponseOk
		return resp, nil

	case strings.HasPrefix(line, "error:"):
		resp.Kind = ResponseError
		resp.Code, resp.Message = parseCode(line[len("error:"):], DescribeError)
		return resp, nil

	case strings.HasPrefix(line, "ALARM:"):
		resp.Kind = ResponseAlarm
		resp.Code, resp.Message = parseCode(line[len("ALARM:"):], DescribeAlarm)
		return resp, nil

	case strings.HasPrefix(line, "<"):
		status, err := parseStatusReport(line)
		if err != nil {
			return resp, err
		}
		resp.Kind = ResponseStatus
		resp.Status = status
		return resp, nil

	case strings.HasPrefix(line, "Grbl "):
		resp.Kind = ResponseWelcome
		resp.Version = strings.Fields(line)[1]
		return resp, nil

	case strings.HasPrefix(line, "["):
		if !strings.HasSuffix(line, "]") {
			return resp, protocolError(line, "unterminated feedback message")
		}
		resp.Kind = ResponseFeedback
		resp.Tag, resp.Message = splitFeedback(line[1 : len(line)-1])
		return resp, nil

	case strings.HasPrefix(line, "$"):
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return resp, protocolError(line, "setting without value")
		}
		resp.Kind = ResponseSetting
		resp.Key = key
		resp.Value = value
		return resp, nil

	case strings.HasPrefix(line, ">"):
		// startup block echo, ">G54G20:ok"; not a command acknowledgement
		resp.Kind = ResponseInfo
		resp.Message = line[1:]
		return resp, nil
	}

	return resp, protocolError(line, "unrecognized response")
}

// parseCode reads "<n>" or a GRBL 0.9 style free-text reason
func parseCode(s string, describe func(int) string) (int, string) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, describe(n)
	}
	return 0, s
}

// splitFeedback splits "MSG:Reset to continue" into tag and message
func splitFeedback(body string) (string, string) {
	tag, msg, ok := strings.Cut(body, ":")
	if !ok {
		return "", body
	}
	return tag, msg
}

// parseStatusReport decodes both the GRBL 1.1 pipe format
// "<Idle|MPos:0.000,0.000,0.000|FS:0,0>" and the legacy comma format
// "<Idle,MPos:0.000,0.000,0.000,WPos:0.000,0.000,0.000>" used by GRBL 0.9
// and Smoothieware.
func parseStatusReport(line string) (*machine.Status, error) {
	if !strings.HasSuffix(line, ">") {
		return nil, protocolError(line, "unterminated status report")
	}
	body := line[1 : len(line)-1]

	var parts []string
	if strings.Contains(body, "|") {
		parts = strings.Split(body, "|")
	} else {
		parts = splitLegacyStatus(body)
	}
	if len(parts) == 0 || parts[0] == "" {
		return nil, protocolError(line, "missing state")
	}

	state, err := machine.ParseState(parts[0])
	if err != nil {
		return nil, protocolError(line, "%v", err)
	}
	status := &machine.Status{State: state, HasState: true}
	if _, sub, ok := strings.Cut(parts[0], ":"); ok {
		status.SubState = sub
	}

	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return nil, protocolError(line, "field %q has no value", part)
		}
		if err := applyStatusField(status, key, value); err != nil {
			return nil, protocolError(line, "%s: %v", key, err)
		}
	}
	return status, nil
}

// splitLegacyStatus regroups comma separated values under their field name
func splitLegacyStatus(body string) []string {
	var parts []string
	for _, tok := range strings.Split(body, ",") {
		if len(parts) == 0 || strings.Contains(tok, ":") {
			parts = append(parts, tok)
			continue
		}
		parts[len(parts)-1] += "," + tok
	}
	return parts
}

func applyStatusField(s *machine.Status, key, value string) error {
	switch key {
	case "MPos":
		pos, err := parsePosition(value)
		if err != nil {
			return err
		}
		s.MPos, s.HasMPos = pos, true
	case "WPos":
		pos, err := parsePosition(value)
		if err != nil {
			return err
		}
		s.WPos, s.HasWPos = pos, true
	case "WCO":
		pos, err := parsePosition(value)
		if err != nil {
			return err
		}
		s.WCO, s.HasWCO = pos, true
	case "FS":
		v, err := parseFloats(value, 2)
		if err != nil {
			return err
		}
		s.Feed, s.Spindle, s.HasFeed = v[0], v[1], true
	case "F":
		v, err := parseFloats(value, 1)
		if err != nil {
			return err
		}
		s.Feed, s.HasFeed = v[0], true
	case "Bf":
		v, err := parseFloats(value, 2)
		if err != nil {
			return err
		}
		s.PlannerFree, s.RxFree, s.HasBuffer = int(v[0]), int(v[1]), true
	case "Ln":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		s.Line = n
	case "Ov":
		v, err := parseFloats(value, 3)
		if err != nil {
			return err
		}
		s.Overrides = machine.Overrides{Feed: v[0], Rapid: v[1], Spindle: v[2]}
	case "Pn":
		s.Pins = value
	case "A":
		s.Accessory = value
	}
	// unknown fields are ignored, firmware forks add their own
	return nil
}

func parsePosition(value string) (machine.Position, error) {
	v, err := parseFloats(value, 3)
	if err != nil {
		return machine.Position{}, err
	}
	pos := machine.Position{X: v[0], Y: v[1], Z: v[2]}
	if len(v) > 3 {
		pos.A = v[3]
	}
	return pos, nil
}

// parseFloats parses at least min comma separated numbers
func parseFloats(value string, min int) ([]float64, error) {
	fields := strings.Split(value, ",")
	if len(fields) < min {
		return nil, strconv.ErrSyntax
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

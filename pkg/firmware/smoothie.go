// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"strconv"
	"strings"
)

// parseSmoothie decodes one Smoothieware response line. Smoothieware echoes
// free text for many commands, so lines it cannot classify are Info rather
// than protocol errors.
func parseSmoothie(f []byte) (Response, error) {
	line := strings.TrimSpace(string(f))
	resp := Response{Raw: line}

	switch {
	case line == "":
		return resp, protocolError(line, "empty frame")

	case line == "ok" || strings.HasPrefix(line, "ok "):
		resp.Kind = ResponseOk
		resp.Message = strings.TrimSpace(strings.TrimPrefix(line, "ok"))
		return resp, nil

	case strings.HasPrefix(line, "error:"):
		resp.Kind = ResponseError
		text := strings.TrimSpace(line[len("error:"):])
		if n, err := strconv.Atoi(text); err == nil {
			resp.Code = n
			resp.Message = DescribeError(n)
		} else {
			resp.Message = text
		}
		return resp, nil

	case strings.HasPrefix(line, "!!"):
		resp.Kind = ResponseAlarm
		resp.Message = "halted, reset or $X to continue"
		return resp, nil

	case strings.HasPrefix(line, "ALARM"):
		resp.Kind = ResponseAlarm
		if rest, ok := strings.CutPrefix(line, "ALARM:"); ok {
			resp.Code, resp.Message = parseCode(rest, DescribeAlarm)
		} else {
			resp.Message = line
		}
		return resp, nil

	case strings.HasPrefix(line, "<"):
		status, err := parseStatusReport(line)
		if err != nil {
			return resp, err
		}
		resp.Kind = ResponseStatus
		resp.Status = status
		return resp, nil

	case strings.HasPrefix(line, "Smoothie"):
		resp.Kind = ResponseWelcome
		resp.Version = line
		return resp, nil

	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		resp.Kind = ResponseFeedback
		resp.Tag, resp.Message = splitFeedback(line[1 : len(line)-1])
		return resp, nil
	}

	resp.Kind = ResponseInfo
	resp.Message = line
	return resp, nil
}

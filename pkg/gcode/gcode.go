// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package gcode cleans G-code program text into lines ready to stream
package gcode

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// MaxLineLength bounds a single source line
const MaxLineLength = 4096

// Line is one streamable command and where it came from
type Line struct {
	Number int // 1-based line in the source
	Text   string
}

// StripComments removes ';' line comments and '(...)' block comments.
// Nested parentheses are tolerated; an unclosed '(' runs to end of line.
func StripComments(text string) string {
	if i := strings.IndexByte(text, ';'); i >= 0 {
		text = text[:i]
	}
	if strings.IndexByte(text, '(') < 0 {
		return text
	}

	var b strings.Builder
	depth := 0
	for _, r := range text {
		switch {
		case r == '(':
			depth++
		case r == ')' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Clean strips comments and collapses whitespace. The result is empty for
// blank lines, pure comments and '%' program delimiters.
func Clean(line string) string {
	line = strings.Join(strings.Fields(StripComments(line)), " ")
	if line == "%" {
		return ""
	}
	return line
}

// Words breaks a cleaned line into upper-case address words, so that
// "g1x10.5 y-2" yields "G1", "X10.5", "Y-2"
func Words(line string) []string {
	var words []string
	for _, f := range strings.Fields(strings.ToUpper(line)) {
		start := 0
		for i := 1; i < len(f); i++ {
			if f[i] >= 'A' && f[i] <= 'Z' {
				words = append(words, f[start:i])
				start = i
			}
		}
		words = append(words, f[start:])
	}
	return words
}

// ReadProgram reads every non-empty command from r
func ReadProgram(r io.Reader) ([]Line, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256), MaxLineLength)

	var lines []Line
	n := 0
	for scanner.Scan() {
		n++
		if text := Clean(scanner.Text()); text != "" {
			lines = append(lines, Line{Number: n, Text: text})
		}
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("line %d: %w", n+1, err)
	}
	return lines, nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"errors"
	"io"
	"time"

	"github.com/Thermoquad/graver/pkg/firmware"
	"github.com/Thermoquad/graver/pkg/frame"
)

// Decoded is one replay step. Rx frames carry a parsed Response (or Err);
// host records carry the raw bytes.
type Decoded struct {
	Time     time.Time
	Dir      Direction
	Frame    []byte
	Response firmware.Response
	Err      error
}

// ReplayOptions configures Replay
type ReplayOptions struct {
	// Profile used when the header names no firmware and detection is off
	Profile firmware.Profile
	// Detect switches dialect when a banner is recognised
	Detect bool
}

// Replay runs every record of a capture through the reassembler and parser,
// calling fn for each frame and host write. It stops at the first error fn
// returns.
func Replay(src io.Reader, opts ReplayOptions, fn func(Decoded) error) error {
	r, err := NewReader(src)
	if err != nil {
		return err
	}

	profile := opts.Profile
	if profile.BufferCapacity() == 0 {
		profile = firmware.ForKind(firmware.Grbl)
	}
	if k, err := firmware.ParseKind(r.Header().Firmware); err == nil {
		profile = firmware.ForKind(k)
	}
	re := frame.New(profile.Framing(), 0)

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if rec.Dir != Rx {
			if err := fn(Decoded{Time: rec.At(), Dir: rec.Dir, Frame: rec.Data}); err != nil {
				return err
			}
			continue
		}

		for f, ferr := range re.Frames(rec.Data) {
			d := Decoded{Time: rec.At(), Dir: Rx, Frame: f, Err: ferr}
			if ferr == nil {
				if opts.Detect {
					if k, ok := firmware.Detect(f); ok && k != profile.Kind() {
						profile = firmware.ForKind(k)
						if profile.Framing() != re.Mode() {
							re.SetMode(profile.Framing())
						}
					}
				}
				d.Response, d.Err = profile.Parse(f)
			}
			if err := fn(d); err != nil {
				return err
			}
		}
	}
}

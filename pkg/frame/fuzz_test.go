// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package frame

import (
	"testing"
)

// FuzzLineChunking checks that the frames produced from a stream do not depend
// on where the transport split it.
func FuzzLineChunking(f *testing.F) {
	f.Add([]byte("ok\r\nerror:9\r\n<Idle|MPos:0.000,0.000,0.000|FS:0,0>\r\n"), uint8(1))
	f.Add([]byte("ok\r\n"), uint8(3))
	f.Add([]byte("Grbl 1.1h ['$' for help]\r\n[MSG:'$H'|'$X' to unlock]\r\n"), uint8(7))

	f.Fuzz(func(t *testing.T, stream []byte, step uint8) {
		if step == 0 {
			step = 1
		}

		whole := New(ModeLine, 64)
		want, wantErrs := whole.Feed(stream)

		chunked := New(ModeLine, 64)
		var got [][]byte
		var gotErrs int
		for i := 0; i < len(stream); i += int(step) {
			end := i + int(step)
			if end > len(stream) {
				end = len(stream)
			}
			frames, errs := chunked.Feed(stream[i:end])
			got = append(got, frames...)
			gotErrs += len(errs)
		}

		if len(got) != len(want) {
			t.Fatalf("frame count differs: whole=%d chunked=%d", len(want), len(got))
		}
		for i := range want {
			if string(got[i]) != string(want[i]) {
				t.Fatalf("frame %d differs: %q vs %q", i, want[i], got[i])
			}
		}
		if gotErrs != len(wantErrs) {
			t.Fatalf("error count differs: whole=%d chunked=%d", len(wantErrs), gotErrs)
		}
	})
}

// FuzzJSONChunking is the JSON-mode counterpart of FuzzLineChunking
func FuzzJSONChunking(f *testing.F) {
	f.Add([]byte(`{"r":{"n":1},"f":[1,0,8]}{"sr":{"stat":3,"msg":"}{"}}`), uint8(2))
	f.Add([]byte(`noise{"qr":12}`), uint8(5))

	f.Fuzz(func(t *testing.T, stream []byte, step uint8) {
		if step == 0 {
			step = 1
		}

		want, _ := New(ModeJSON, 128).Feed(stream)

		chunked := New(ModeJSON, 128)
		var got [][]byte
		for i := 0; i < len(stream); i += int(step) {
			end := i + int(step)
			if end > len(stream) {
				end = len(stream)
			}
			frames, _ := chunked.Feed(stream[i:end])
			got = append(got, frames...)
		}

		if len(got) != len(want) {
			t.Fatalf("frame count differs: whole=%d chunked=%d", len(want), len(got))
		}
		for i := range want {
			if string(got[i]) != string(want[i]) {
				t.Fatalf("frame %d differs: %q vs %q", i, want[i], got[i])
			}
		}
	})
}

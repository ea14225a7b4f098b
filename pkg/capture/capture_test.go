// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/graver/pkg/firmware"
)

func record(t *testing.T, fw string, recs ...Record) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	r, err := NewRecorder(&buf, fw, "test")
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, r.Record(rec.Dir, rec.Data))
	}
	assert.Equal(t, len(recs), r.Count())
	return &buf
}

func TestRecordAndRead(t *testing.T) {
	buf := record(t, "Grbl",
		Record{Dir: Tx, Data: []byte("G0 X1\n")},
		Record{Dir: Realtime, Data: []byte("?")},
		Record{Dir: Rx, Data: []byte("ok\r\n<Idle|MPos:1.000,0.000,0.000>\r\n")},
	)

	r, err := NewReader(buf)
	require.NoError(t, err)
	assert.Equal(t, "Grbl", r.Header().Firmware)
	assert.Equal(t, "test", r.Header().Source)
	assert.Equal(t, FormatVersion, r.Header().Version)

	var dirs []Direction
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), rec.At(), time.Minute)
		dirs = append(dirs, rec.Dir)
	}
	assert.Equal(t, []Direction{Tx, Realtime, Rx}, dirs)
}

func TestNotACapture(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrNotCapture)

	_, err = NewReader(bytes.NewReader([]byte("Grbl 1.1h\r\n")))
	assert.ErrorIs(t, err, ErrNotCapture)
}

func TestTruncatedCapture(t *testing.T) {
	buf := record(t, "", Record{Dir: Rx, Data: []byte("ok\r\nok\r\n")})
	data := buf.Bytes()[:buf.Len()-3]

	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = r.Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestReplayReassemblesChunks(t *testing.T) {
	buf := record(t, "Grbl",
		Record{Dir: Rx, Data: []byte("o")},
		Record{Dir: Rx, Data: []byte("k\r\nerror:")},
		Record{Dir: Rx, Data: []byte("22\r\n<Run|MPos:1")},
		Record{Dir: Tx, Data: []byte("G1 X2\n")},
		Record{Dir: Rx, Data: []byte(".000,2.000,0.000|FS:500,0>\r\n")},
	)

	var got []Decoded
	err := Replay(buf, ReplayOptions{}, func(d Decoded) error {
		got = append(got, d)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, firmware.ResponseOk, got[0].Response.Kind)
	assert.Equal(t, firmware.ResponseError, got[1].Response.Kind)
	assert.Equal(t, 22, got[1].Response.Code)
	assert.Equal(t, Tx, got[2].Dir)
	assert.Equal(t, "G1 X2\n", string(got[2].Frame))
	require.Equal(t, firmware.ResponseStatus, got[3].Response.Kind)
	assert.Equal(t, 2.0, got[3].Response.Status.MPos.Y)
}

func TestReplayDetectsFirmware(t *testing.T) {
	buf := record(t, "",
		Record{Dir: Rx, Data: []byte(`{"r":{"fv":0.97,"fb":440.20,"msg":"SYSTEM READY"},"f":[1,0,0]}` + "\n")},
		Record{Dir: Rx, Data: []byte(`{"r":{"n":1},"f":[1,0,12]}` + "\n")},
	)

	var kinds []firmware.ResponseKind
	err := Replay(buf, ReplayOptions{Detect: true}, func(d Decoded) error {
		require.NoError(t, d.Err)
		kinds = append(kinds, d.Response.Kind)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []firmware.ResponseKind{firmware.ResponseWelcome, firmware.ResponseOk}, kinds)
}

func TestReplayStopsOnCallbackError(t *testing.T) {
	buf := record(t, "Grbl", Record{Dir: Rx, Data: []byte("ok\r\nok\r\nok\r\n")})

	stop := errors.New("stop")
	calls := 0
	err := Replay(buf, ReplayOptions{}, func(Decoded) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestRecorderStickyError(t *testing.T) {
	w := &failingWriter{after: 1}
	r, err := NewRecorder(w, "Grbl", "")
	require.NoError(t, err)

	assert.Error(t, r.Record(Rx, []byte("ok\r\n")))
	assert.Error(t, r.Record(Rx, []byte("ok\r\n")))
	assert.Equal(t, 2, w.writes, "header, failed record, then nothing")
}

type failingWriter struct {
	after  int
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.writes >= w.after {
		w.writes++
		return 0, errors.New("disk full")
	}
	w.writes++
	return len(p), nil
}

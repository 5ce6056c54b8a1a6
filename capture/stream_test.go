package capture

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"scribe/audio"
	"scribe/encoder"
)

func TestBiasedGain(t *testing.T) {
	cases := []struct {
		gain      float64
		bluetooth bool
		want      float64
	}{
		{0, false, 1.0},  // unset means unity
		{0, true, 1.0},   // unity is not "low", no bias
		{1.0, true, 1.0},
		{0.3, false, 0.3},
		{0.3, true, 0.75}, // below 0.50 is raised to the floor
		{0.49, true, 0.75},
		{0.5, true, 0.5}, // at the threshold, untouched
		{0.6, true, 0.6},
	}
	for _, c := range cases {
		if got := biasedGain(c.gain, c.bluetooth); got != c.want {
			t.Errorf("biasedGain(%v, %v) = %v, want %v", c.gain, c.bluetooth, got, c.want)
		}
	}
}

func TestLivenessRestartBudget(t *testing.T) {
	s := &stream{label: "system audio"}
	start := time.Now()
	s.lastData.Store(start.UnixNano())

	if got := s.liveness(start.Add(systemSilentAfter / 2)); got != streamHealthy {
		t.Fatalf("fresh data: verdict %d, want healthy", got)
	}

	silent := start.Add(systemSilentAfter + time.Second)
	for attempt := 1; attempt <= maxRestarts; attempt++ {
		if got := s.liveness(silent); got != streamRestart {
			t.Fatalf("attempt %d: verdict %d, want restart", attempt, got)
		}
		s.restarts++
	}
	if got := s.liveness(silent); got != streamGiveUp {
		t.Fatalf("after %d restarts: verdict %d, want give up", maxRestarts, got)
	}
}

func TestLivenessRecoversOnNewData(t *testing.T) {
	s := &stream{label: "system audio"}
	now := time.Now()
	s.lastData.Store(now.Add(-2 * systemSilentAfter).UnixNano())
	if got := s.liveness(now); got != streamRestart {
		t.Fatalf("silent stream: verdict %d, want restart", got)
	}

	s.lastData.Store(now.UnixNano())
	if got := s.liveness(now); got != streamHealthy {
		t.Fatalf("after data resumed: verdict %d, want healthy", got)
	}
}

func TestTapSinkFlushesOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tap.wav")
	w, err := audio.NewWAVWriter(path, encoder.SampleRate, encoder.Channels)
	if err != nil {
		t.Fatal(err)
	}

	// Interval far longer than the test: only Close can flush.
	tap, err := newTapSink(w, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := tap.Write(payload[:1000]); err != nil {
		t.Fatal(err)
	}
	if err := tap.Write(payload[1000:]); err != nil {
		t.Fatal(err)
	}

	if w.Bytes() != 0 {
		t.Fatalf("data reached disk before flush: %d bytes", w.Bytes())
	}
	if err := tap.Close(); err != nil {
		t.Fatal(err)
	}
	if w.Bytes() != int64(len(payload)) {
		t.Errorf("flushed %d bytes, want %d", w.Bytes(), len(payload))
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != audio.WAVHeaderSize+len(payload) {
		t.Errorf("file size = %d, want %d", len(data), audio.WAVHeaderSize+len(payload))
	}
	// Byte order preserved across the buffer boundary.
	if data[audio.WAVHeaderSize+999] != payload[999] || data[audio.WAVHeaderSize+1000] != payload[1000] {
		t.Error("payload corrupted across buffered writes")
	}
}

func TestTapSinkPeriodicFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tap.wav")
	w, err := audio.NewWAVWriter(path, encoder.SampleRate, encoder.Channels)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	tap, err := newTapSink(w, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer tap.Close()

	if err := tap.Write(make([]byte, 256)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for w.Bytes() != 256 {
		if time.Now().After(deadline) {
			t.Fatalf("periodic flush never ran, %d bytes on disk", w.Bytes())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTapSinkRejectsBadInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tap.wav")
	w, err := audio.NewWAVWriter(path, encoder.SampleRate, encoder.Channels)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if _, err := newTapSink(w, 0); err == nil {
		t.Fatal("zero interval accepted")
	}
}

func TestDirectSinkWritesThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "direct.wav")
	w, err := audio.NewWAVWriter(path, encoder.SampleRate, encoder.Channels)
	if err != nil {
		t.Fatal(err)
	}

	sink := directSink{w}
	if err := sink.Write(make([]byte, 128)); err != nil {
		t.Fatal(err)
	}
	if w.Bytes() != 128 {
		t.Errorf("direct write buffered: %d bytes on writer", w.Bytes())
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

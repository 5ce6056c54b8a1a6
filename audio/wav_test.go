package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestWAVWriterPatchesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	w, err := NewWAVWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWAVWriter: %v", err)
	}

	pcm := make([]byte, 3200) // 100ms at 16kHz mono 16-bit
	for i := 0; i+1 < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(i%4000-2000)))
	}
	if _, err := w.Write(pcm); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.Frames() != 1600 {
		t.Fatalf("expected 1600 frames, got %d", w.Frames())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) != WAVHeaderSize+len(pcm) {
		t.Fatalf("file size = %d, want %d", len(data), WAVHeaderSize+len(pcm))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("bad RIFF header: %q %q", data[0:4], data[8:12])
	}
	if got := binary.LittleEndian.Uint32(data[40:]); got != uint32(len(pcm)) {
		t.Fatalf("data chunk size = %d, want %d", got, len(pcm))
	}
	if got := binary.LittleEndian.Uint32(data[24:]); got != 16000 {
		t.Fatalf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint16(data[22:]); got != 1 {
		t.Fatalf("channels = %d, want 1", got)
	}
}

func TestWAVWriterEmptyFileStillValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	w, err := NewWAVWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWAVWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != WAVHeaderSize {
		t.Fatalf("empty wav size = %d, want %d", info.Size(), WAVHeaderSize)
	}
}

func TestIsBluetooth(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"AirPods Pro", true},
		{"Jabra Elite 85t", true},
		{"WH-1000XM5", true},
		{"Soundcore Life Q30 (Bluetooth)", true},
		{"Built-in Microphone", false},
		{"USB Audio Device", false},
		{"HDA Intel PCH", false},
	}
	for _, c := range cases {
		if got := IsBluetooth(c.name); got != c.want {
			t.Fatalf("IsBluetooth(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestFakeContextReportsConfiguredMicName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.wav")
	w, err := NewWAVWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWAVWriter: %v", err)
	}
	w.Write(make([]byte, 640))
	w.Close()

	ctx, err := NewFakeContext(path, false)
	if err != nil {
		t.Fatalf("NewFakeContext: %v", err)
	}
	ctx.MicName = "AirPods Pro"
	devices, err := ctx.Devices()
	if err != nil || len(devices) != 1 {
		t.Fatalf("Devices() = %v, %v", devices, err)
	}
	if !IsBluetooth(devices[0].Name) {
		t.Fatalf("expected configured name to read as bluetooth, got %q", devices[0].Name)
	}

	sys, err := ctx.SystemSource()
	if err != nil {
		t.Fatalf("SystemSource: %v", err)
	}
	if !sys.Loopback {
		t.Fatal("fake system source should be marked loopback")
	}
}

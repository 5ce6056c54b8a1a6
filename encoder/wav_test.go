package encoder

import (
	"encoding/binary"
	"testing"
)

func TestWavEncoderImage(t *testing.T) {
	enc := NewWav()
	block := tone(BlockSize)
	if err := enc.EncodeBlock(block); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}

	img := enc.Bytes()
	wantData := BlockSize * 2
	if len(img) != 44+wantData {
		t.Fatalf("image size = %d, want %d", len(img), 44+wantData)
	}
	if string(img[0:4]) != "RIFF" || string(img[8:12]) != "WAVE" {
		t.Fatal("bad magic")
	}
	if got := binary.LittleEndian.Uint32(img[24:28]); got != SampleRate {
		t.Errorf("sample rate = %d, want %d", got, SampleRate)
	}
	if got := binary.LittleEndian.Uint16(img[22:24]); got != Channels {
		t.Errorf("channels = %d, want %d", got, Channels)
	}
	if got := binary.LittleEndian.Uint32(img[40:44]); got != uint32(wantData) {
		t.Errorf("data size = %d, want %d", got, wantData)
	}
	if enc.TotalFrames() != BlockSize {
		t.Errorf("TotalFrames = %d, want %d", enc.TotalFrames(), BlockSize)
	}

	// First sample survives the round trip.
	if got := int16(binary.LittleEndian.Uint16(img[44:46])); got != block[0] {
		t.Errorf("first sample = %d, want %d", got, block[0])
	}
}

// A snapshot mid-stream must already be a playable file.
func TestWavEncoderSnapshots(t *testing.T) {
	enc := NewWav()
	if err := enc.EncodeBlock(tone(100)); err != nil {
		t.Fatal(err)
	}
	first := enc.Bytes()
	if len(first) != 44+200 {
		t.Fatalf("snapshot size = %d", len(first))
	}

	if err := enc.EncodeBlock(tone(100)); err != nil {
		t.Fatal(err)
	}
	second := enc.Bytes()
	if len(second) != 44+400 {
		t.Fatalf("second snapshot size = %d", len(second))
	}
	if got := binary.LittleEndian.Uint32(second[40:44]); got != 400 {
		t.Errorf("data size after growth = %d, want 400", got)
	}
}

func TestNewByFormat(t *testing.T) {
	if _, err := New("wav"); err != nil {
		t.Errorf("wav: %v", err)
	}
	if _, err := New("flac"); err != nil {
		t.Errorf("flac: %v", err)
	}
	if _, err := New("aiff"); err == nil {
		t.Error("aiff should be rejected")
	}
}

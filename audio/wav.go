package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// WAVWriter streams 16-bit PCM to disk. The RIFF header is written up front
// with placeholder sizes and patched on Close, so a crashed process leaves a
// file that audio tools can still open (sizes read as zero, data intact).
type WAVWriter struct {
	mu         sync.Mutex
	f          *os.File
	sampleRate uint32
	channels   uint32
	dataBytes  int64
}

func NewWAVWriter(path string, sampleRate, channels uint32) (*WAVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	w := &WAVWriter{f: f, sampleRate: sampleRate, channels: channels}
	if err := w.writeHeader(0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func (w *WAVWriter) writeHeader(dataSize uint32) error {
	const bitsPerSample = 16
	byteRate := w.sampleRate * w.channels * bitsPerSample / 8
	blockAlign := uint16(w.channels * bitsPerSample / 8)

	header := make([]byte, WAVHeaderSize)
	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], 36+dataSize)
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:], uint16(w.channels))
	binary.LittleEndian.PutUint32(header[24:], w.sampleRate)
	binary.LittleEndian.PutUint32(header[28:], byteRate)
	binary.LittleEndian.PutUint16(header[32:], blockAlign)
	binary.LittleEndian.PutUint16(header[34:], bitsPerSample)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], dataSize)

	if _, err := w.f.WriteAt(header, 0); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	return nil
}

func (w *WAVWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.f.WriteAt(p, WAVHeaderSize+w.dataBytes)
	w.dataBytes += int64(n)
	return n, err
}

// Frames returns the number of sample frames written so far.
func (w *WAVWriter) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return uint64(w.dataBytes) / uint64(w.channels*2)
}

func (w *WAVWriter) Bytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dataBytes
}

func (w *WAVWriter) Sync() error {
	return w.f.Sync()
}

func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeHeader(uint32(w.dataBytes)); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Package encoder produces complete audio file images in memory from raw
// PCM blocks. Chunked capture snapshots an encoder per rotation interval and
// writes the image out as one chunk file.
package encoder

import "fmt"

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
}

// New returns a fresh encoder for format, "wav" or "flac".
func New(format string) (Encoder, error) {
	switch format {
	case "wav":
		return NewWav(), nil
	case "flac":
		return NewFlac()
	default:
		return nil, fmt.Errorf("unknown chunk format %q", format)
	}
}

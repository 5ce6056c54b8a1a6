package capture

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"scribe/encoder"
	"scribe/log"
	"scribe/protocol"
)

// chunker tees one stream's PCM into rotating chunk files. Chunk boundaries
// follow the rotation ticker, but chunk timestamps are derived from sample
// counts, so they stay exact even when the ticker drifts.
type chunker struct {
	dir      string
	base     string
	format   string
	interval time.Duration
	out      *protocol.Writer

	mu         sync.Mutex
	enc        encoder.Encoder
	seq        int
	startFrame uint64 // first frame of the current chunk
	frames     uint64 // frames fed overall

	stopC chan struct{}
	done  chan struct{}
}

func newChunker(dir, base, format string, interval time.Duration, out *protocol.Writer) (*chunker, error) {
	enc, err := encoder.New(format)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c := &chunker{
		dir:      dir,
		base:     base,
		format:   format,
		interval: interval,
		out:      out,
		enc:      enc,
		stopC:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.rotateLoop()
	return c, nil
}

// feed accepts raw little-endian 16-bit PCM from the capture callback.
func (c *chunker) feed(data []byte) {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return
	}
	if err := c.enc.EncodeBlock(samples); err != nil {
		log.Errorf("chunk encode: %v", err)
		return
	}
	c.frames += uint64(len(samples))
}

func (c *chunker) rotateLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopC:
			return
		case <-ticker.C:
			c.rotate()
		}
	}
}

// rotate swaps in a fresh encoder and writes the finished chunk out. Empty
// intervals produce no chunk.
func (c *chunker) rotate() {
	c.mu.Lock()
	old := c.enc
	oldStart := c.startFrame
	oldEnd := c.frames
	if oldEnd == oldStart {
		c.mu.Unlock()
		return
	}
	next, err := encoder.New(c.format)
	if err != nil {
		// keep encoding into the old one rather than dropping audio
		c.mu.Unlock()
		log.Errorf("chunk encoder rotate: %v", err)
		return
	}
	c.enc = next
	c.startFrame = oldEnd
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	c.finalize(old, seq, oldStart, oldEnd)
}

func (c *chunker) finalize(enc encoder.Encoder, seq int, startFrame, endFrame uint64) {
	if err := enc.Close(); err != nil {
		log.Errorf("chunk close: %v", err)
		return
	}
	img := enc.Bytes()
	path := filepath.Join(c.dir, fmt.Sprintf("%s_chunk_%04d.%s", c.base, seq, c.format))
	if err := os.WriteFile(path, img, 0644); err != nil {
		log.Errorf("chunk write: %v", err)
		return
	}

	start := framesToDuration(startFrame)
	end := framesToDuration(endFrame)
	c.out.Chunk(path, seq, start, end, int64(len(img)))
	log.ChunkEmitted(seq, path, int64(len(img)))
}

// stop flushes the in-progress chunk and waits for the rotation loop.
func (c *chunker) stop() {
	close(c.stopC)
	<-c.done
	c.rotate()
	c.mu.Lock()
	c.enc = nil
	c.mu.Unlock()
}

func framesToDuration(frames uint64) time.Duration {
	return time.Duration(frames) * time.Second / encoder.SampleRate
}

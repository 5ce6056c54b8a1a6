package mix

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Fake records mixer invocations and writes marker output files, so engine
// and supervisor tests can assert on conversion behavior without ffmpeg.
type Fake struct {
	mu sync.Mutex

	CombineErr   error
	TranscodeErr error

	Combines   [][3]string // system, mic, out
	Transcodes [][2]string // in, out
}

func (f *Fake) Combine(ctx context.Context, systemPath, micPath, outPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Combines = append(f.Combines, [3]string{systemPath, micPath, outPath})
	if f.CombineErr != nil {
		return f.CombineErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.WriteFile(outPath, []byte("fake combined audio"), 0644)
}

func (f *Fake) Transcode(ctx context.Context, inPath, outPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Transcodes = append(f.Transcodes, [2]string{inPath, outPath})
	if f.TranscodeErr != nil {
		return f.TranscodeErr
	}
	if _, err := os.Stat(inPath); err != nil {
		return fmt.Errorf("transcode input missing: %w", err)
	}
	return os.WriteFile(outPath, []byte("fake mp3 audio"), 0644)
}

func (f *Fake) CombineCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Combines)
}

func (f *Fake) TranscodeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Transcodes)
}

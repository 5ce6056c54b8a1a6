// Package mix shells out to ffmpeg for the two post-capture conversions:
// combining the per-stream WAVs into one track and transcoding WAV to MP3.
// Both the engine and the supervisor's crash recovery invoke Combine.
package mix

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

type Mixer interface {
	Combine(ctx context.Context, systemPath, micPath, outPath string) error
	Transcode(ctx context.Context, inPath, outPath string) error
}

// System audio carries the meeting; the mic track is weighted down slightly
// so the local voice does not dominate the mix.
const combineFilter = "[0:a][1:a]amix=inputs=2:duration=longest:dropout_transition=2:weights=1 0.8[a]"

type FFmpeg struct {
	Bin string
}

func NewFFmpeg(bin string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpeg{Bin: bin}
}

func combineArgs(systemPath, micPath, outPath string) []string {
	return []string{
		"-y",
		"-i", systemPath,
		"-i", micPath,
		"-filter_complex", combineFilter,
		"-map", "[a]",
		outPath,
	}
}

func transcodeArgs(inPath, outPath string) []string {
	return []string{
		"-y",
		"-i", inPath,
		"-codec:a", "libmp3lame",
		"-qscale:a", "2",
		outPath,
	}
}

func (f *FFmpeg) Combine(ctx context.Context, systemPath, micPath, outPath string) error {
	if err := f.run(ctx, combineArgs(systemPath, micPath, outPath)); err != nil {
		return fmt.Errorf("combine: %w", err)
	}
	return nil
}

func (f *FFmpeg) Transcode(ctx context.Context, inPath, outPath string) error {
	if err := f.run(ctx, transcodeArgs(inPath, outPath)); err != nil {
		return fmt.Errorf("transcode: %w", err)
	}
	return nil
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.Bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", f.Bin, ctx.Err())
	}
	return fmt.Errorf("%s: %w (%s)", f.Bin, err, stderrTail(stderr.Bytes()))
}

// ffmpeg is chatty; keep only the end of stderr, which carries the actual
// failure reason.
func stderrTail(out []byte) string {
	const keep = 200
	s := string(bytes.TrimSpace(out))
	if len(s) > keep {
		s = "..." + s[len(s)-keep:]
	}
	if s == "" {
		return "no stderr output"
	}
	return s
}

// Package capture implements the recording engine process: microphone and
// system-audio streams, Bluetooth-aware capture paths, chunked encoding, and
// the post-capture combine/transcode pipeline. It reports progress on stdout
// in the line protocol and is normally run as a child of the supervisor.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"scribe/audio"
	"scribe/encoder"
	"scribe/log"
	"scribe/mix"
	"scribe/protocol"
)

const (
	fakeAudioEnv = "SCRIBE_FAKE_AUDIO"
	micDeviceEnv = "SCRIBE_MIC_DEVICE"
)

// finishTimeout caps the combine+transcode work after capture stops. The
// supervisor enforces its own stop deadline on top.
const finishTimeout = 2 * time.Minute

type Options struct {
	Dir           string
	Base          string
	Source        string // "mic", "system", or "both"
	AudioOnly     bool
	Chunked       bool
	ChunkInterval time.Duration
	ChunkFormat   string // "wav" or "flac"
	MixerBin      string
	Gain          float64 // input gain, 0 = unity
}

type Engine struct {
	opts  Options
	out   *protocol.Writer
	actx  audio.Context
	mixer mix.Mixer

	mic    *stream
	system *stream
	chunks *chunker
}

func NewEngine(opts Options, out *protocol.Writer) (*Engine, error) {
	switch opts.Source {
	case "mic", "system", "both":
	case "":
		opts.Source = "both"
	default:
		return nil, fmt.Errorf("invalid source %q", opts.Source)
	}
	if opts.ChunkFormat == "" {
		opts.ChunkFormat = "wav"
	}
	actx, err := newAudioContext()
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}
	return &Engine{
		opts:  opts,
		out:   out,
		actx:  actx,
		mixer: mix.NewFFmpeg(opts.MixerBin),
	}, nil
}

// newAudioContext returns the platform capture context, or the file-backed
// fake when SCRIBE_FAKE_AUDIO names a WAV file.
func newAudioContext() (audio.Context, error) {
	if path := os.Getenv(fakeAudioEnv); path != "" {
		return audio.NewFakeContext(path, true)
	}
	return audio.NewContext()
}

// Run captures until ctx is canceled, then finalizes and emits
// RECORDING_STOPPED with the result path. Startup failures are emitted as
// categorized protocol events before the error returns.
func (e *Engine) Run(ctx context.Context) error {
	defer e.actx.Close()

	if err := os.MkdirAll(e.opts.Dir, 0755); err != nil {
		e.out.StartupError(fmt.Sprintf("recording directory: %v", err))
		return err
	}

	wantMic := e.opts.Source == "mic" || e.opts.Source == "both"
	wantSystem := e.opts.Source == "system" || e.opts.Source == "both"
	if e.opts.AudioOnly {
		// Audio-only drops the system stream and guarantees a mic capture.
		e.out.Logf("audio-only mode enabled")
		wantMic = true
		wantSystem = false
	}

	if e.opts.Chunked {
		c, err := newChunker(e.opts.Dir, e.opts.Base, e.opts.ChunkFormat, e.opts.ChunkInterval, e.out)
		if err != nil {
			e.out.StartupError(fmt.Sprintf("chunked capture: %v", err))
			return err
		}
		e.chunks = c
	}

	// The chunk source is the system stream when present, else the mic.
	var micTee, systemTee func([]byte)
	if e.chunks != nil {
		if wantSystem {
			systemTee = e.chunks.feed
		} else {
			micTee = e.chunks.feed
		}
	}

	if wantMic {
		if err := e.startMic(micTee); err != nil {
			return err
		}
	}
	if wantSystem {
		if err := e.startSystem(systemTee); err != nil {
			e.stopStreams()
			return err
		}
	}

	finalPath := filepath.Join(e.opts.Dir, e.opts.Base+".mp3")
	e.out.Started(finalPath)

	<-ctx.Done()
	e.out.Logf("stop signal received; finalizing")

	if err := e.stopStreams(); err != nil {
		// Capture files are still finalized on disk; report and continue
		// into finishing with what exists.
		e.out.FailedAfterStart(fmt.Sprintf("stream teardown: %v", err))
	}
	if e.chunks != nil {
		e.chunks.stop()
	}

	fctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	path, err := e.finish(fctx)
	if err != nil {
		e.out.FailedAfterStart(err.Error())
		return err
	}

	e.out.Stopped(path)
	return nil
}

func (e *Engine) startMic(tee func([]byte)) error {
	dev, err := e.pickMic()
	if err != nil {
		e.emitMicFailure(false, err)
		return err
	}

	bt := audio.IsBluetooth(dev.Name)
	cfg := audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
		Gain:       biasedGain(e.opts.Gain, bt),
	}

	sinkFor := func(w *audio.WAVWriter) pcmSink { return directSink{w} }
	if bt {
		e.out.Logf("bluetooth input detected (%s); using buffered capture", dev.Name)
		sinkFor = func(w *audio.WAVWriter) pcmSink {
			tap, err := newTapSink(w, btFlushInterval)
			if err != nil {
				e.out.Logf("buffered capture unavailable (%v); using direct writes", err)
				return directSink{w}
			}
			return tap
		}
	}

	micPath := filepath.Join(e.opts.Dir, e.opts.Base+"_mic.wav")
	s, err := newStream("microphone", micPath, e.actx, cfg, sinkFor)
	if err != nil {
		e.emitMicFailure(bt, err)
		return err
	}
	s.tee = tee
	if err := s.start(dev); err != nil {
		e.emitMicFailure(bt, err)
		return err
	}

	e.mic = s
	e.out.Logf("microphone recording started (%s)", dev.Name)
	return nil
}

func (e *Engine) emitMicFailure(bt bool, err error) {
	switch {
	case isPermissionErr(err):
		e.out.CategorizedFailure(protocol.PermissionFailure,
			fmt.Sprintf("microphone access failed: %v", err),
			"grant microphone access in system settings")
	case bt:
		e.out.CategorizedFailure(protocol.BluetoothFailure,
			fmt.Sprintf("bluetooth microphone failed to start: %v", err),
			"re-pair the headset or switch to the built-in microphone")
	default:
		e.out.StartupError(fmt.Sprintf("microphone capture failed: %v", err))
	}
}

func (e *Engine) startSystem(tee func([]byte)) error {
	src, err := e.actx.SystemSource()
	if err != nil {
		e.out.CategorizedFailure(protocol.SystemFailure,
			fmt.Sprintf("no system audio source: %v", err),
			"check that a monitor or loopback device is available")
		return err
	}

	cfg := audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	}
	systemPath := filepath.Join(e.opts.Dir, e.opts.Base+"_system.wav")
	s, err := newStream("system audio", systemPath, e.actx, cfg, func(w *audio.WAVWriter) pcmSink {
		return directSink{w}
	})
	if err != nil {
		e.out.CategorizedFailure(protocol.SystemFailure,
			fmt.Sprintf("system audio capture failed: %v", err),
			"check that a monitor or loopback device is available")
		return err
	}
	s.tee = tee
	if err := s.start(src); err != nil {
		e.out.CategorizedFailure(protocol.SystemFailure,
			fmt.Sprintf("system audio capture failed: %v", err),
			"check that a monitor or loopback device is available")
		return err
	}
	s.watchRestarts(e.out.Logf)

	e.system = s
	e.out.Logf("system audio recording started (%s)", src.Name)
	return nil
}

// pickMic returns the input device named by SCRIBE_MIC_DEVICE when it is
// present, else the first physical input. The host sets the variable from
// its device picker; the engine command line stays the same either way.
func (e *Engine) pickMic() (*audio.DeviceInfo, error) {
	devices, err := e.actx.Devices()
	if err != nil {
		return nil, err
	}
	if want := os.Getenv(micDeviceEnv); want != "" {
		for i := range devices {
			if devices[i].Name == want {
				return &devices[i], nil
			}
		}
		e.out.Logf("requested microphone %q not found; using default", want)
	}
	for i := range devices {
		if !devices[i].Loopback {
			return &devices[i], nil
		}
	}
	return nil, errors.New("no capture devices found")
}

// stopStreams joins every owned stream; all of them are stopped even when
// one errors.
func (e *Engine) stopStreams() error {
	var g errgroup.Group
	if s := e.mic; s != nil {
		g.Go(s.stop)
	}
	if s := e.system; s != nil {
		g.Go(s.stop)
	}
	return g.Wait()
}

// finish turns the captured component files into the final artifact. Mixer
// failures degrade to the best file on hand; captured audio is never lost.
// Inputs are deleted only after the step consuming them succeeds.
func (e *Engine) finish(ctx context.Context) (string, error) {
	var micPath, systemPath string
	if e.mic != nil {
		micPath = e.mic.path
	}
	if e.system != nil {
		systemPath = e.system.path
	}

	var wavPath string
	switch {
	case micPath != "" && systemPath != "":
		combined := filepath.Join(e.opts.Dir, e.opts.Base+".wav")
		if err := e.mixer.Combine(ctx, systemPath, micPath, combined); err != nil {
			log.Errorf("combine: %v", err)
			e.out.Logf("combining streams failed (%v); keeping microphone audio", err)
			wavPath = micPath
		} else {
			os.Remove(systemPath)
			os.Remove(micPath)
			wavPath = combined
		}
	case micPath != "":
		wavPath = micPath
	case systemPath != "":
		wavPath = systemPath
	default:
		return "", errors.New("no capture streams produced audio")
	}

	finalPath := filepath.Join(e.opts.Dir, e.opts.Base+".mp3")
	if err := e.mixer.Transcode(ctx, wavPath, finalPath); err != nil {
		log.Errorf("transcode: %v", err)
		e.out.Logf("mp3 conversion failed (%v); keeping wav", err)
		return wavPath, nil
	}
	os.Remove(wavPath)
	return finalPath, nil
}

func isPermissionErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"permission", "denied", "not authorized", "access"} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"scribe/audio"
	"scribe/log"
)

const (
	// Bluetooth HFP capture drops data when the callback blocks on disk
	// writes; the tap path buffers in memory and flushes on this period.
	btFlushInterval = 250 * time.Millisecond

	systemHealthCheck = 2 * time.Second
	systemSilentAfter = 6 * time.Second
	restartBackoff    = 2 * time.Second
	maxRestarts       = 3
)

// pcmSink is where a stream's callback data lands. Close flushes anything
// buffered through to the file.
type pcmSink interface {
	Write(data []byte) error
	Close() error
}

type directSink struct {
	w *audio.WAVWriter
}

func (d directSink) Write(data []byte) error {
	_, err := d.w.Write(data)
	return err
}

func (d directSink) Close() error { return nil }

// tapSink decouples the audio callback from disk: Write only appends to an
// in-memory buffer, a background loop drains it to the WAV writer.
type tapSink struct {
	w *audio.WAVWriter

	mu  sync.Mutex
	buf []byte
	err error

	stop chan struct{}
	done chan struct{}
}

func newTapSink(w *audio.WAVWriter, flushEvery time.Duration) (*tapSink, error) {
	if flushEvery <= 0 {
		return nil, errors.New("flush interval must be positive")
	}
	t := &tapSink{
		w:    w,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.loop(flushEvery)
	return t, nil
}

func (t *tapSink) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.buf = append(t.buf, data...)
	return nil
}

func (t *tapSink) loop(flushEvery time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.flush()
		}
	}
}

func (t *tapSink) flush() {
	t.mu.Lock()
	buf := t.buf
	t.buf = nil
	t.mu.Unlock()
	if len(buf) == 0 {
		return
	}
	if _, err := t.w.Write(buf); err != nil {
		t.mu.Lock()
		if t.err == nil {
			t.err = err
		}
		t.mu.Unlock()
		log.Errorf("tap flush: %v", err)
	}
}

func (t *tapSink) Close() error {
	close(t.stop)
	<-t.done
	t.flush()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// stream is one running capture (microphone or system audio) writing into
// its own WAV file.
type stream struct {
	label string // "microphone" or "system audio"
	path  string

	actx audio.Context
	cfg  audio.CaptureConfig
	wav  *audio.WAVWriter
	sink pcmSink
	tee  func(data []byte) // chunker feed, nil when not chunking

	mu       sync.Mutex
	dev      audio.CaptureDevice
	restarts int

	stopping  atomic.Bool
	lastData  atomic.Int64 // unix nanos of the last callback
	stopC     chan struct{}
	watchDone chan struct{}
}

func newStream(label, path string, actx audio.Context, cfg audio.CaptureConfig, sinkFor func(*audio.WAVWriter) pcmSink) (*stream, error) {
	wav, err := audio.NewWAVWriter(path, cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("create %s file: %w", label, err)
	}
	return &stream{
		label: label,
		path:  path,
		actx:  actx,
		cfg:   cfg,
		wav:   wav,
		sink:  sinkFor(wav),
		stopC: make(chan struct{}),
	}, nil
}

// start opens the capture device and begins delivering data into the sink.
func (s *stream) start(device *audio.DeviceInfo) error {
	dev, err := s.actx.NewCapture(device, s.cfg)
	if err != nil {
		s.teardownFile()
		return err
	}
	s.attach(dev)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		s.teardownFile()
		return err
	}
	s.lastData.Store(time.Now().UnixNano())
	return nil
}

func (s *stream) attach(dev audio.CaptureDevice) {
	dev.SetCallback(func(data []byte, frameCount uint32) {
		if s.stopping.Load() || len(data) == 0 {
			return
		}
		s.lastData.Store(time.Now().UnixNano())
		if err := s.sink.Write(data); err != nil {
			log.Errorf("%s write: %v", s.label, err)
		}
		if s.tee != nil {
			s.tee(data)
		}
	})
	s.mu.Lock()
	s.dev = dev
	s.mu.Unlock()
}

// Liveness verdict for one health-check tick.
const (
	streamHealthy = iota
	streamRestart
	streamGiveUp
)

// liveness reports whether the stream needs a restart at now, based on the
// last callback timestamp and the restart budget already spent.
func (s *stream) liveness(now time.Time) int {
	last := time.Unix(0, s.lastData.Load())
	if now.Sub(last) < systemSilentAfter {
		return streamHealthy
	}
	if s.restarts >= maxRestarts {
		return streamGiveUp
	}
	return streamRestart
}

// watchRestarts monitors callback liveness and restarts the stream when data
// stops arriving. After maxRestarts the stream stays down; the session keeps
// whatever other streams remain.
func (s *stream) watchRestarts(onLine func(format string, args ...any)) {
	s.watchDone = make(chan struct{})
	go func() {
		defer close(s.watchDone)
		ticker := time.NewTicker(systemHealthCheck)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopC:
				return
			case <-ticker.C:
			}
			switch s.liveness(time.Now()) {
			case streamHealthy:
				continue
			case streamGiveUp:
				onLine("%s stream stayed down after %d restarts; continuing without it", s.label, s.restarts)
				log.Warnf("%s stream permanently stopped", s.label)
				s.stopDevice()
				return
			}
			s.restarts++
			onLine("%s stream silent; restarting (attempt %d)", s.label, s.restarts)
			log.StreamRestart(s.label, s.restarts)
			select {
			case <-s.stopC:
				return
			case <-time.After(restartBackoff):
			}
			if err := s.restart(); err != nil {
				log.Errorf("%s restart: %v", s.label, err)
			}
		}
	}()
}

func (s *stream) restart() error {
	s.stopDevice()

	src, err := s.actx.SystemSource()
	if err != nil {
		return err
	}
	dev, err := s.actx.NewCapture(src, s.cfg)
	if err != nil {
		return err
	}
	s.attach(dev)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		return err
	}
	s.lastData.Store(time.Now().UnixNano())
	return nil
}

func (s *stream) stopDevice() {
	s.mu.Lock()
	dev := s.dev
	s.dev = nil
	s.mu.Unlock()
	if dev == nil {
		return
	}
	dev.Stop()
	dev.ClearCallback()
	dev.Close()
}

// stop halts capture, flushes the sink, and finalizes the WAV header. It is
// synchronous; when it returns the file is complete on disk.
func (s *stream) stop() error {
	s.stopping.Store(true)
	select {
	case <-s.stopC:
	default:
		close(s.stopC)
	}
	s.stopDevice()
	if s.watchDone != nil {
		<-s.watchDone
	}
	sinkErr := s.sink.Close()
	wavErr := s.wav.Close()
	if sinkErr != nil {
		return sinkErr
	}
	return wavErr
}

func (s *stream) frames() uint64 {
	return s.wav.Frames()
}

func (s *stream) teardownFile() {
	s.wav.Close()
}

// biasedGain raises low input gain on Bluetooth transports. HFP microphones
// often arrive far quieter than wired ones; gain below 0.50 is raised to
// 0.75. Zero means unset and is treated as unity.
func biasedGain(gain float64, bluetooth bool) float64 {
	if gain == 0 {
		gain = 1.0
	}
	if bluetooth && gain < 0.50 {
		return 0.75
	}
	return gain
}

// Package supervisor turns the capture engine subprocess and its unreliable
// line protocol into a reliable start/stop API. It owns the engine process
// handle, classifies every output line, enforces the startup timeouts, and
// falls back to filesystem recovery when the protocol goes quiet.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scribe/config"
	"scribe/log"
	"scribe/mix"
	"scribe/proc"
	"scribe/protocol"
)

var (
	ErrSessionActive  = errors.New("a recording session is already active")
	ErrNoSession      = errors.New("no active recording session")
	ErrStopInProgress = errors.New("stop already in progress")
)

type Source string

const (
	SourceMic    Source = "mic"
	SourceSystem Source = "system"
	SourceBoth   Source = "both"
)

// Failure is a terminal recording failure with enough context for the user
// to act on.
type Failure struct {
	Cause    string
	Err      string
	Solution string
}

func (f *Failure) Error() string {
	msg := f.Err
	if msg == "" {
		msg = f.Cause
	} else if f.Cause != "" {
		msg = f.Cause + ": " + msg
	}
	if f.Solution != "" {
		msg += " (try: " + f.Solution + ")"
	}
	return msg
}

// Timeouts bundles every deadline the supervisor enforces. Zero values take
// the defaults; tests shrink them.
type Timeouts struct {
	NoOutput     time.Duration // give up when no output at all arrives
	StallCheck   time.Duration // period of the startup watchdog
	Stall        time.Duration // give up when output stops flowing pre-start
	Startup      time.Duration // absolute cap on startup
	StopRecovery time.Duration // wait for completion before filesystem recovery
	Remix        time.Duration // cap on the recovery mixer invocation
	KillGrace    time.Duration // wait for natural exit after completion
}

func (t Timeouts) withDefaults() Timeouts {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	def(&t.NoOutput, 10*time.Second)
	def(&t.StallCheck, 5*time.Second)
	def(&t.Stall, 25*time.Second)
	def(&t.Startup, 30*time.Second)
	def(&t.StopRecovery, 15*time.Second)
	def(&t.Remix, 10*time.Second)
	def(&t.KillGrace, 2*time.Second)
	return t
}

type Config struct {
	// EngineBin is the capture engine executable; empty means the current
	// binary re-executed in engine mode.
	EngineBin string
	// Env entries are appended to the engine's environment.
	Env      []string
	Mixer    mix.Mixer
	Timeouts Timeouts

	// OnEvent observes every classified non-noise line; OnChunk receives
	// RECORDING_CHUNK events; OnExit fires once when the engine process
	// exits, with its exit code. All are called from the consume goroutine.
	OnEvent func(protocol.Event)
	OnChunk func(protocol.Event)
	OnExit  func(code int)

	// Launch and Clock are seams for tests.
	Launch func(spec proc.Spec) (proc.Handle, error)
	Clock  func() time.Time
}

type Supervisor struct {
	cfg Config

	mu   sync.Mutex
	sess *session
}

func New(cfg Config) *Supervisor {
	if cfg.Mixer == nil {
		cfg.Mixer = mix.NewFFmpeg("")
	}
	if cfg.Launch == nil {
		cfg.Launch = proc.Start
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.Timeouts = cfg.Timeouts.withDefaults()
	return &Supervisor{cfg: cfg}
}

type Request struct {
	Dir       string
	Filename  string // base name without extension; derived when empty
	Source    Source
	AudioOnly bool
	Chunked   bool
}

type StartInfo struct {
	SessionID    string
	Dir          string
	Base         string
	ExpectedPath string
}

type session struct {
	id        string
	dir       string
	base      string
	source    Source
	audioOnly bool

	prog proc.Handle

	// start resolution, first writer wins
	resolveOnce sync.Once
	resolved    chan struct{}
	startErr    *Failure

	// mutated only by the consume goroutine
	micStarted    bool
	systemStarted bool
	audioOnlyMode bool
	startedOK     bool

	completion  chan protocol.Event
	runtimeErr  atomic.Pointer[string]
	stopping    atomic.Bool
	consumeDone chan struct{}
}

func (s *session) resolveStart(f *Failure) {
	s.resolveOnce.Do(func() {
		s.startErr = f
		close(s.resolved)
	})
}

func (s *session) startReady() bool {
	if s.audioOnly || s.audioOnlyMode {
		return s.micStarted
	}
	switch s.source {
	case SourceMic:
		return s.micStarted
	case SourceSystem:
		return s.systemStarted
	default:
		return s.micStarted && s.systemStarted
	}
}

func (s *session) expectedPath() string {
	return filepath.Join(s.dir, s.base+".mp3")
}

// StartRecording spawns the capture engine and blocks until it reports
// started, reports a definitive failure, or a startup timeout fires.
func (sv *Supervisor) StartRecording(ctx context.Context, req Request) (StartInfo, error) {
	dir, err := config.ExpandHome(req.Dir)
	if err != nil {
		return StartInfo{}, fmt.Errorf("resolve recording dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return StartInfo{}, fmt.Errorf("create recording dir: %w", err)
	}

	base := req.Filename
	if base == "" {
		base = "recording-" + sv.cfg.Clock().Format("20060102-150405")
	}
	source := req.Source
	if source == "" {
		source = SourceBoth
	}

	args := []string{"--record", dir, "--filename", base, "--source", string(source)}
	if req.AudioOnly {
		args = append(args, "--audio-only")
	}
	if req.Chunked {
		args = append(args, "--chunked")
	}
	spec, err := sv.engineSpec(args)
	if err != nil {
		return StartInfo{}, err
	}

	sv.mu.Lock()
	if sv.sess != nil {
		sv.mu.Unlock()
		return StartInfo{}, ErrSessionActive
	}
	prog, err := sv.cfg.Launch(spec)
	if err != nil {
		sv.mu.Unlock()
		return StartInfo{}, fmt.Errorf("spawn capture engine: %w", err)
	}
	sess := &session{
		id:          uuid.NewString(),
		dir:         dir,
		base:        base,
		source:      source,
		audioOnly:   req.AudioOnly,
		prog:        prog,
		resolved:    make(chan struct{}),
		completion:  make(chan protocol.Event, 1),
		consumeDone: make(chan struct{}),
	}
	sv.sess = sess
	sv.mu.Unlock()

	log.RecordingStart(sess.id, dir, base, string(source))

	go sv.consume(sess)
	go sv.watchStartup(sess)

	select {
	case <-sess.resolved:
		if sess.startErr != nil {
			// The engine normally exits right after reporting a startup
			// failure; the kill covers one that lingers.
			sess.prog.Kill()
			sv.clear(sess)
			log.Errorf("recording start failed: %v", sess.startErr)
			return StartInfo{}, sess.startErr
		}
		return StartInfo{
			SessionID:    sess.id,
			Dir:          dir,
			Base:         base,
			ExpectedPath: sess.expectedPath(),
		}, nil
	case <-ctx.Done():
		prog.Kill()
		sv.clear(sess)
		return StartInfo{}, ctx.Err()
	}
}

// Recording reports whether a session is in flight.
func (sv *Supervisor) Recording() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.sess != nil
}

func (sv *Supervisor) engineSpec(args []string) (proc.Spec, error) {
	bin := sv.cfg.EngineBin
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return proc.Spec{}, fmt.Errorf("resolve engine binary: %w", err)
		}
		bin = exe
	}
	return proc.Spec{Name: bin, Args: args, Env: sv.cfg.Env}, nil
}

func (sv *Supervisor) clear(sess *session) {
	sv.mu.Lock()
	if sv.sess == sess {
		sv.sess = nil
	}
	sv.mu.Unlock()
}

// consume processes engine output strictly in arrival order until the
// process exits and its pipes drain.
func (sv *Supervisor) consume(sess *session) {
	defer close(sess.consumeDone)
	for line := range sess.prog.Lines() {
		sv.handleLine(sess, line.Text)
	}
	code, _ := sess.prog.ExitState()
	sv.handleExit(sess, code)
}

func (sv *Supervisor) handleLine(sess *session, text string) {
	log.Debugf("engine: %s", text)
	ev := protocol.Classify(text)

	switch ev.Kind {
	case protocol.Status:
		sv.handleStatus(sess, ev)
	case protocol.MicStartedHint:
		sess.micStarted = true
	case protocol.SystemStartedHint:
		sess.systemStarted = true
	case protocol.AudioOnlyHint:
		sess.audioOnlyMode = true
	case protocol.Noise:
		// free-text engine logging; nothing to track
	}

	if ev.Kind != protocol.Status && sess.startReady() {
		sess.startedOK = true
		sess.resolveStart(nil)
	}

	if sv.cfg.OnEvent != nil && ev.Kind != protocol.Noise {
		sv.cfg.OnEvent(ev)
	}
}

func (sv *Supervisor) handleStatus(sess *session, ev protocol.Event) {
	switch {
	case ev.Code == protocol.Started:
		sess.startedOK = true
		sess.resolveStart(nil)
	case ev.Code == protocol.Stopped:
		// Completion implies capture happened; it also settles a pending
		// start (engine interrupted mid-startup still finalizes).
		sess.startedOK = true
		sess.resolveStart(nil)
		select {
		case sess.completion <- ev:
		default:
		}
	case ev.Code.StartupFailure():
		sess.resolveStart(startupFailure(ev))
	case ev.Code == protocol.Failed:
		if sess.startedOK {
			// Session keeps finalizing; keep the message for stop-time
			// context if recovery also comes up empty.
			msg := ev.Err
			sess.runtimeErr.Store(&msg)
			log.Warnf("engine reported failure mid-recording: %s", ev.Err)
		} else {
			sess.resolveStart(&Failure{Cause: "recording failed", Err: ev.Err})
		}
	case ev.Code == protocol.Chunk:
		if sv.cfg.OnChunk != nil {
			sv.cfg.OnChunk(ev)
		}
	}
}

func startupFailure(ev protocol.Event) *Failure {
	cause := map[protocol.Code]string{
		protocol.StartError:        "engine error",
		protocol.BluetoothFailure:  "bluetooth capture failed",
		protocol.PermissionFailure: "permission denied",
		protocol.SystemFailure:     "system audio unavailable",
	}[ev.Code]
	return &Failure{Cause: cause, Err: ev.Err, Solution: ev.Recommendation}
}

func (sv *Supervisor) handleExit(sess *session, code int) {
	// An exit before any start or completion signal is a failure; with a
	// completion already delivered (or a stop in flight) the stop path owns
	// the outcome.
	sess.resolveStart(&Failure{
		Cause: "engine exited",
		Err:   fmt.Sprintf("capture engine exited (code %d) before reporting started", code),
	})
	if sv.cfg.OnExit != nil {
		sv.cfg.OnExit(code)
	}
}

func (sv *Supervisor) watchStartup(sess *session) {
	watch := &startupWatch{
		spawnedAt: sv.cfg.Clock(),
		noOutput:  sv.cfg.Timeouts.NoOutput,
		stall:     sv.cfg.Timeouts.Stall,
		startup:   sv.cfg.Timeouts.Startup,
	}
	ticker := time.NewTicker(sv.cfg.Timeouts.StallCheck)
	defer ticker.Stop()

	for {
		select {
		case <-sess.resolved:
			return
		case <-ticker.C:
			if f := watch.Check(sess.prog.LastOutput(), sv.cfg.Clock()); f != nil {
				log.Warnf("startup watchdog: %s", f.Cause)
				sess.prog.Kill()
				sess.resolveStart(f)
				return
			}
		}
	}
}

// StopRecording asks the engine to finalize and blocks until a result path
// is known. When the completion signal never arrives it recovers the
// artifact from the filesystem before reporting failure.
func (sv *Supervisor) StopRecording(ctx context.Context) (string, error) {
	sv.mu.Lock()
	sess := sv.sess
	sv.mu.Unlock()
	if sess == nil {
		return "", ErrNoSession
	}
	if !sess.stopping.CompareAndSwap(false, true) {
		return "", ErrStopInProgress
	}

	log.Info("stop requested: " + sess.id)
	if err := sess.prog.Interrupt(); err != nil {
		log.Warnf("interrupt engine: %v", err)
	}

	timer := time.NewTimer(sv.cfg.Timeouts.StopRecovery)
	defer timer.Stop()

	var path string
	var recoverErr error
	recovered := false

	select {
	case ev := <-sess.completion:
		path = ev.Path
	case <-timer.C:
		recovered = true
		path, recoverErr = sv.recoverArtifact(ctx, sess)
	case <-sess.prog.Done():
		// Exited without completing; any completion that raced the exit is
		// still honored before falling back to the filesystem.
		select {
		case ev := <-sess.completion:
			path = ev.Path
		default:
			recovered = true
			path, recoverErr = sv.recoverArtifact(ctx, sess)
		}
	case <-ctx.Done():
		sess.prog.Kill()
		sv.clear(sess)
		return "", ctx.Err()
	}

	if recovered {
		// Recovery ran because the protocol went quiet; a completion line
		// that slipped in meanwhile is the better answer.
		select {
		case ev := <-sess.completion:
			path = ev.Path
			recoverErr = nil
		default:
		}
		sess.prog.Kill()
	} else {
		sv.awaitExit(sess)
	}

	sv.clear(sess)

	if recoverErr != nil {
		f := &Failure{
			Cause:    "no completion signal",
			Err:      recoverErr.Error(),
			Solution: "check the recording directory for partial files",
		}
		if msg := sess.runtimeErr.Load(); msg != nil {
			f.Err = *msg + "; " + f.Err
		}
		log.Errorf("recording stop failed: %v", f)
		return "", f
	}

	log.RecordingStop(sess.id, path)
	return path, nil
}

// awaitExit gives a completed engine a moment to exit on its own before
// reclaiming it.
func (sv *Supervisor) awaitExit(sess *session) {
	select {
	case <-sess.prog.Done():
	case <-time.After(sv.cfg.Timeouts.KillGrace):
		sess.prog.Kill()
	}
}

// CheckPermissions runs the engine in probe mode and returns its
// PERMISSIONS_STATUS event.
func (sv *Supervisor) CheckPermissions(ctx context.Context, audioOnly bool) (protocol.Event, error) {
	args := []string{"--check-permissions"}
	if audioOnly {
		args = append(args, "--audio-only")
	}
	spec, err := sv.engineSpec(args)
	if err != nil {
		return protocol.Event{}, err
	}
	prog, err := sv.cfg.Launch(spec)
	if err != nil {
		return protocol.Event{}, fmt.Errorf("spawn permission probe: %w", err)
	}
	defer prog.Kill()

	timer := time.NewTimer(sv.cfg.Timeouts.NoOutput)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-prog.Lines():
			if !ok {
				return protocol.Event{}, fmt.Errorf("permission probe exited without status")
			}
			ev := protocol.Classify(line.Text)
			if ev.Kind == protocol.Status && ev.Code == protocol.PermissionsStatus {
				return ev, nil
			}
		case <-timer.C:
			return protocol.Event{}, fmt.Errorf("permission probe timed out")
		case <-ctx.Done():
			return protocol.Event{}, ctx.Err()
		}
	}
}

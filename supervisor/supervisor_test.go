package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/mix"
	"scribe/proc"
	"scribe/protocol"
)

// fakeProgram stands in for a running capture engine. Tests drive it by
// emitting protocol lines and closing it with an exit code.
type fakeProgram struct {
	lines chan proc.Line
	done  chan struct{}

	mu         sync.Mutex
	exitCode   int
	lastOut    time.Time
	interrupts int
	kills      int

	onInterrupt func()
	closeOnce   sync.Once
}

func newFakeProgram() *fakeProgram {
	return &fakeProgram{
		lines:    make(chan proc.Line, 64),
		done:     make(chan struct{}),
		exitCode: -1,
	}
}

func (f *fakeProgram) emit(text string) {
	f.mu.Lock()
	f.lastOut = time.Now()
	f.mu.Unlock()
	f.lines <- proc.Line{Text: text}
}

func (f *fakeProgram) emitf(format string, args ...any) {
	f.emit(fmt.Sprintf(format, args...))
}

func (f *fakeProgram) exit(code int) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.exitCode = code
		f.mu.Unlock()
		close(f.lines)
		close(f.done)
	})
}

func (f *fakeProgram) Lines() <-chan proc.Line { return f.lines }
func (f *fakeProgram) Done() <-chan struct{}   { return f.done }

func (f *fakeProgram) ExitState() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode, nil
}

func (f *fakeProgram) LastOutput() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOut
}

func (f *fakeProgram) Interrupt() error {
	f.mu.Lock()
	f.interrupts++
	hook := f.onInterrupt
	f.mu.Unlock()
	if hook != nil {
		go hook()
	}
	return nil
}

func (f *fakeProgram) Kill() error {
	f.mu.Lock()
	f.kills++
	f.mu.Unlock()
	f.exit(-1)
	return nil
}

func (f *fakeProgram) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

func quickTimeouts() Timeouts {
	return Timeouts{
		NoOutput:     40 * time.Millisecond,
		StallCheck:   10 * time.Millisecond,
		Stall:        60 * time.Millisecond,
		Startup:      2 * time.Second,
		StopRecovery: 60 * time.Millisecond,
		Remix:        200 * time.Millisecond,
		KillGrace:    20 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, fake *fakeProgram, tt Timeouts) (*Supervisor, *mix.Fake) {
	t.Helper()
	mixer := &mix.Fake{}
	sv := New(Config{
		EngineBin: "fake-engine",
		Mixer:     mixer,
		Timeouts:  tt,
		Launch: func(spec proc.Spec) (proc.Handle, error) {
			return fake, nil
		},
	})
	return sv, mixer
}

func startSession(t *testing.T, sv *Supervisor, fake *fakeProgram, dir string) StartInfo {
	t.Helper()
	go func() {
		fake.emit(`{"code":"RECORDING_STARTED"}`)
	}()
	info, err := sv.StartRecording(context.Background(), Request{Dir: dir, Filename: "m1", Source: SourceMic})
	require.NoError(t, err)
	return info
}

func TestStartResolvesOnStructuredStarted(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())
	dir := t.TempDir()

	info := startSession(t, sv, fake, dir)
	assert.Equal(t, filepath.Join(dir, "m1.mp3"), info.ExpectedPath)
	assert.Equal(t, "m1", info.Base)
	assert.NotEmpty(t, info.SessionID)
	assert.True(t, sv.Recording())
}

func TestStartHeuristicBothStreamsRequired(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())

	resolved := make(chan error, 1)
	go func() {
		_, err := sv.StartRecording(context.Background(), Request{Dir: t.TempDir(), Filename: "m1", Source: SourceBoth})
		resolved <- err
	}()

	fake.emit("microphone recording started (Built-in Microphone)")
	select {
	case err := <-resolved:
		t.Fatalf("resolved on mic alone in both mode: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	fake.emit("system audio recording started")
	select {
	case err := <-resolved:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("did not resolve after both streams started")
	}
}

func TestStartHeuristicAudioOnlyMicSuffices(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())

	go func() {
		fake.emit("audio-only mode enabled")
		fake.emit("microphone recording started")
	}()
	_, err := sv.StartRecording(context.Background(), Request{
		Dir: t.TempDir(), Filename: "m1", Source: SourceBoth, AudioOnly: true,
	})
	require.NoError(t, err)
}

func TestStartFailureCarriesCauseAndSolution(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())

	go func() {
		fake.emit(`{"code":"COMBINED_RECORDING_FAILED_PERMISSION","error":"microphone access denied","recommendation":"grant microphone permission in system settings"}`)
	}()
	_, err := sv.StartRecording(context.Background(), Request{Dir: t.TempDir(), Filename: "m1"})
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "permission denied", f.Cause)
	assert.Contains(t, f.Err, "microphone access denied")
	assert.Contains(t, f.Solution, "grant microphone permission")
	assert.False(t, sv.Recording())
}

func TestStartFailureAfterSuccessIsIgnored(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())
	dir := t.TempDir()

	startSession(t, sv, fake, dir)
	fake.emit(`{"code":"RECORDING_FAILED","error":"system stream died"}`)

	// Still recording: the failure is recorded, not resolved.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, sv.Recording())
}

func TestNoOutputTimeout(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())

	_, err := sv.StartRecording(context.Background(), Request{Dir: t.TempDir(), Filename: "m1"})
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "no output", f.Cause)
	assert.NotZero(t, fake.killCount(), "engine must be reclaimed")
}

func TestStallTimeout(t *testing.T) {
	fake := newFakeProgram()
	tt := quickTimeouts()
	tt.NoOutput = 500 * time.Millisecond // not the timeout under test
	sv, _ := newTestSupervisor(t, fake, tt)

	stop := make(chan struct{})
	go func() {
		// Output flows, then stops without any start signal.
		for i := 0; i < 3; i++ {
			fake.emitf("initializing pipeline step %d", i)
			time.Sleep(5 * time.Millisecond)
		}
		close(stop)
	}()

	_, err := sv.StartRecording(context.Background(), Request{Dir: t.TempDir(), Filename: "m1"})
	<-stop
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "stalled during initialization", f.Cause)
}

func TestAbsoluteStartupTimeout(t *testing.T) {
	fake := newFakeProgram()
	tt := quickTimeouts()
	tt.NoOutput = 2 * time.Second
	tt.Stall = 2 * time.Second
	tt.Startup = 80 * time.Millisecond
	sv, _ := newTestSupervisor(t, fake, tt)

	done := make(chan struct{})
	go func() {
		// Keep output flowing so only the absolute deadline can fire.
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				func() {
					defer func() { recover() }() // emit after close is fine here
					fake.emit("still initializing")
				}()
			}
		}
	}()
	defer close(done)

	_, err := sv.StartRecording(context.Background(), Request{Dir: t.TempDir(), Filename: "m1"})
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "startup timeout", f.Cause)
}

func TestEngineExitBeforeAnySignalFailsStart(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())

	go func() {
		fake.emit("warming up")
		fake.exit(0)
	}()
	_, err := sv.StartRecording(context.Background(), Request{Dir: t.TempDir(), Filename: "m1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited")
}

func TestStopResolvesOnCompletion(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())
	dir := t.TempDir()

	startSession(t, sv, fake, dir)

	final := filepath.Join(dir, "m1.mp3")
	fake.onInterrupt = func() {
		fake.emitf(`{"code":"RECORDING_STOPPED","path":"%s"}`, final)
		fake.exit(0)
	}

	path, err := sv.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, final, path)
	assert.Equal(t, 1, fake.interruptCount())
	assert.False(t, sv.Recording())
}

func TestStopRecoveryRemixesComponents(t *testing.T) {
	fake := newFakeProgram()
	sv, mixer := newTestSupervisor(t, fake, quickTimeouts())
	dir := t.TempDir()

	startSession(t, sv, fake, dir)
	writeFile(t, dir, "m1_mic.wav")
	writeFile(t, dir, "m1_system.wav")

	// Engine hangs: no completion, no exit. The recovery window runs the
	// mixer over the leftover components.
	path, err := sv.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "m1.wav"), path)
	require.Equal(t, 1, mixer.CombineCalls())
	assert.Equal(t, filepath.Join(dir, "m1_system.wav"), mixer.Combines[0][0])
	assert.Equal(t, filepath.Join(dir, "m1_mic.wav"), mixer.Combines[0][1])
}

func TestStopRecoverySingleFileNoMixer(t *testing.T) {
	fake := newFakeProgram()
	sv, mixer := newTestSupervisor(t, fake, quickTimeouts())
	dir := t.TempDir()

	startSession(t, sv, fake, dir)
	writeFile(t, dir, "m1_mic.wav")

	path, err := sv.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "m1_mic.wav"), path)
	assert.Zero(t, mixer.CombineCalls())
}

func TestStopRecoveryPrefersExpectedPath(t *testing.T) {
	fake := newFakeProgram()
	sv, mixer := newTestSupervisor(t, fake, quickTimeouts())
	dir := t.TempDir()

	startSession(t, sv, fake, dir)
	writeFile(t, dir, "m1.mp3")
	writeFile(t, dir, "m1_mic.wav")
	writeFile(t, dir, "m1_system.wav")

	path, err := sv.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "m1.mp3"), path)
	assert.Zero(t, mixer.CombineCalls())
}

func TestStopRecoveryFallsBackToMostRecent(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())
	dir := t.TempDir()

	startSession(t, sv, fake, dir)
	// Nothing matches the stem; an unrelated audio file is all there is.
	writeFile(t, dir, "leftover-take.wav")

	path, err := sv.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "leftover-take.wav"), path)
}

func TestStopFailsWhenNothingRecoverable(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())
	dir := t.TempDir()

	startSession(t, sv, fake, dir)

	_, err := sv.StopRecording(context.Background())
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "no completion signal", f.Cause)
	assert.False(t, sv.Recording())
}

func TestEngineExitDuringStopTriggersImmediateRecovery(t *testing.T) {
	fake := newFakeProgram()
	tt := quickTimeouts()
	tt.StopRecovery = 5 * time.Second // must not be what resolves this
	sv, _ := newTestSupervisor(t, fake, tt)
	dir := t.TempDir()

	startSession(t, sv, fake, dir)
	writeFile(t, dir, "m1_mic.wav")
	fake.onInterrupt = func() { fake.exit(0) }

	start := time.Now()
	path, err := sv.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "m1_mic.wav"), path)
	assert.Less(t, time.Since(start), 2*time.Second, "should not wait out the recovery window")
}

func TestConcurrentStopRejected(t *testing.T) {
	fake := newFakeProgram()
	tt := quickTimeouts()
	tt.StopRecovery = 150 * time.Millisecond
	sv, _ := newTestSupervisor(t, fake, tt)
	dir := t.TempDir()

	startSession(t, sv, fake, dir)
	writeFile(t, dir, "m1_mic.wav")

	firstDone := make(chan error, 1)
	go func() {
		_, err := sv.StopRecording(context.Background())
		firstDone <- err
	}()

	// Second stop while the first is still inside its recovery window.
	time.Sleep(20 * time.Millisecond)
	_, err := sv.StopRecording(context.Background())
	require.ErrorIs(t, err, ErrStopInProgress)
	assert.Equal(t, 1, fake.interruptCount(), "second stop must not re-signal")

	require.NoError(t, <-firstDone)
}

func TestStopWithoutSession(t *testing.T) {
	sv, _ := newTestSupervisor(t, newFakeProgram(), quickTimeouts())
	_, err := sv.StopRecording(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
}

func TestSecondStartRejectedWhileActive(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())
	dir := t.TempDir()

	startSession(t, sv, fake, dir)
	_, err := sv.StartRecording(context.Background(), Request{Dir: dir, Filename: "m2"})
	require.ErrorIs(t, err, ErrSessionActive)
}

func TestChunkEventsForwarded(t *testing.T) {
	fake := newFakeProgram()
	mixer := &mix.Fake{}
	var mu sync.Mutex
	var chunks []protocol.Event
	sv := New(Config{
		EngineBin: "fake-engine",
		Mixer:     mixer,
		Timeouts:  quickTimeouts(),
		Launch:    func(proc.Spec) (proc.Handle, error) { return fake, nil },
		OnChunk: func(ev protocol.Event) {
			mu.Lock()
			chunks = append(chunks, ev)
			mu.Unlock()
		},
	})
	dir := t.TempDir()

	startSession(t, sv, fake, dir)
	fake.emitf(`{"code":"RECORDING_CHUNK","path":"%s","seq":1,"startMs":0,"endMs":5000,"sizeBytes":160044}`, filepath.Join(dir, "m1_chunk_0001.wav"))
	fake.emitf(`{"code":"RECORDING_CHUNK","path":"%s","seq":2,"startMs":5000,"endMs":10000,"sizeBytes":160044}`, filepath.Join(dir, "m1_chunk_0002.wav"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chunks) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, chunks[0].Seq)
	assert.Equal(t, 2, chunks[1].Seq)
	assert.Equal(t, int64(5000), chunks[0].EndMs)
}

func TestCheckPermissions(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())

	go func() {
		fake.emit("probing devices")
		fake.emit(`{"code":"PERMISSIONS_STATUS","microphone":"granted","systemAudio":"denied"}`)
	}()
	ev, err := sv.CheckPermissions(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "granted", ev.Microphone)
	assert.Equal(t, "denied", ev.SystemAudio)
}

func TestCheckPermissionsTimesOut(t *testing.T) {
	fake := newFakeProgram()
	sv, _ := newTestSupervisor(t, fake, quickTimeouts())

	_, err := sv.CheckPermissions(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func (f *fakeProgram) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kills
}

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0644))
	return path
}

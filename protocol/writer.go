package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Writer emits protocol lines on behalf of the engine. All methods are safe
// for concurrent use; each call produces exactly one output line.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Emit(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		// Event fields are plain strings and numbers; this cannot fail in
		// practice, but a lost status line must never panic the engine.
		w.Logf("status emit failed: %v", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.w, "%s\n", data)
}

// Logf writes a plain informational line. The supervisor treats these as
// heuristic material or noise.
func (w *Writer) Logf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.w, format+"\n", args...)
}

func (w *Writer) Started(path string) {
	w.Emit(Event{Code: Started, Path: path})
}

func (w *Writer) Stopped(path string) {
	w.Emit(Event{Code: Stopped, Path: path})
}

func (w *Writer) StartupError(msg string) {
	w.Emit(Event{Code: StartError, Err: msg})
}

func (w *Writer) FailedAfterStart(msg string) {
	w.Emit(Event{Code: Failed, Err: msg})
}

func (w *Writer) CategorizedFailure(code Code, msg, recommendation string) {
	w.Emit(Event{Code: code, Err: msg, Recommendation: recommendation})
}

func (w *Writer) Permissions(microphone, systemAudio string) {
	w.Emit(Event{Code: PermissionsStatus, Microphone: microphone, SystemAudio: systemAudio})
}

func (w *Writer) Chunk(path string, seq int, start, end time.Duration, sizeBytes int64) {
	w.Emit(Event{
		Code:      Chunk,
		Path:      path,
		Seq:       seq,
		StartMs:   start.Milliseconds(),
		EndMs:     end.Milliseconds(),
		SizeBytes: sizeBytes,
	})
}

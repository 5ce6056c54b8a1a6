package meeting

import (
	"fmt"
	"sync"
)

// Tracker holds the chunk and transcript sequences of recordings still in
// flight, keyed by meeting id. Chunks append strictly in order while the
// recording is active; Stop flushes everything gathered into the store and
// drops the aggregate. Appends against a stopped recording are refused so a
// straggling chunk can never reopen a finished meeting.
type Tracker struct {
	store Store

	mu     sync.Mutex
	active map[string]*recordingState
}

type recordingState struct {
	chunks   []Chunk
	segments []Segment
}

func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:  store,
		active: make(map[string]*recordingState),
	}
}

func (t *Tracker) Track(meetingID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[meetingID]; !ok {
		t.active[meetingID] = &recordingState{}
	}
}

func (t *Tracker) Active(meetingID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[meetingID]
	return ok
}

// Append records one completed chunk. Chunk ids must grow monotonically; an
// out-of-order id is refused rather than reordered.
func (t *Tracker) Append(meetingID string, c Chunk) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.active[meetingID]
	if !ok {
		return ErrNotActive
	}
	if n := len(st.chunks); n > 0 && c.ID <= st.chunks[n-1].ID {
		return fmt.Errorf("chunk %d out of order (last %d)", c.ID, st.chunks[n-1].ID)
	}
	st.chunks = append(st.chunks, c)
	return nil
}

// AddTranscript records one sidecar result for an active recording.
func (t *Tracker) AddTranscript(meetingID string, seg Segment) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.active[meetingID]
	if !ok {
		return ErrNotActive
	}
	st.segments = append(st.segments, seg)
	return nil
}

// Stop deactivates the recording and flushes its chunk list and transcript
// into the stored meeting. The aggregate is gone afterwards even if the
// flush fails; the chunks themselves are still on disk.
func (t *Tracker) Stop(meetingID string) error {
	t.mu.Lock()
	st, ok := t.active[meetingID]
	if !ok {
		t.mu.Unlock()
		return ErrNotActive
	}
	delete(t.active, meetingID)
	chunks := st.chunks
	segments := st.segments
	t.mu.Unlock()

	m, err := t.store.Get(meetingID)
	if err != nil {
		return fmt.Errorf("flush recording %s: %w", meetingID, err)
	}
	m.Chunks = chunks
	m.Transcript = segments
	if err := t.store.Update(m); err != nil {
		return fmt.Errorf("flush recording %s: %w", meetingID, err)
	}
	return nil
}

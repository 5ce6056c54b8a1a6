package meeting

import (
	"errors"
	"strings"
	"testing"
)

func TestTrackerFlushesChunksAndTranscriptOnStop(t *testing.T) {
	s := testStore(t)
	if err := s.Create(Meeting{ID: "m-1", Title: "standup"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tr := NewTracker(s)
	tr.Track("m-1")
	if !tr.Active("m-1") {
		t.Fatal("recording should be active after Track")
	}

	for i := 1; i <= 3; i++ {
		c := Chunk{ID: i, Path: "/rec/c.wav", StartMs: int64(i-1) * 5000, EndMs: int64(i) * 5000}
		if err := tr.Append("m-1", c); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := tr.AddTranscript("m-1", Segment{ChunkID: 1, Text: "hello"}); err != nil {
		t.Fatalf("AddTranscript: %v", err)
	}

	if err := tr.Stop("m-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if tr.Active("m-1") {
		t.Error("recording should be inactive after Stop")
	}

	got, err := s.Get("m-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Chunks) != 3 {
		t.Fatalf("flushed %d chunks, want 3", len(got.Chunks))
	}
	for i, c := range got.Chunks {
		if c.ID != i+1 {
			t.Errorf("chunk %d has id %d", i, c.ID)
		}
	}
	if len(got.Transcript) != 1 || got.Transcript[0].Text != "hello" {
		t.Errorf("Transcript = %+v", got.Transcript)
	}
}

func TestTrackerAppendRequiresActive(t *testing.T) {
	tr := NewTracker(testStore(t))

	if err := tr.Append("m-1", Chunk{ID: 1}); !errors.Is(err, ErrNotActive) {
		t.Errorf("err = %v, want ErrNotActive", err)
	}
	if err := tr.AddTranscript("m-1", Segment{Text: "x"}); !errors.Is(err, ErrNotActive) {
		t.Errorf("err = %v, want ErrNotActive", err)
	}
}

func TestTrackerRefusesOutOfOrderChunks(t *testing.T) {
	tr := NewTracker(testStore(t))
	tr.Track("m-1")

	if err := tr.Append("m-1", Chunk{ID: 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	err := tr.Append("m-1", Chunk{ID: 1})
	if err == nil || !strings.Contains(err.Error(), "out of order") {
		t.Errorf("err = %v, want out of order", err)
	}
	if err := tr.Append("m-1", Chunk{ID: 2}); err == nil {
		t.Error("duplicate chunk id should be refused")
	}
	if err := tr.Append("m-1", Chunk{ID: 3}); err != nil {
		t.Errorf("Append 3 after refusals: %v", err)
	}
}

func TestTrackerStopIsTerminal(t *testing.T) {
	s := testStore(t)
	if err := s.Create(Meeting{ID: "m-1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	tr := NewTracker(s)
	tr.Track("m-1")

	if err := tr.Stop("m-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := tr.Stop("m-1"); !errors.Is(err, ErrNotActive) {
		t.Errorf("second Stop err = %v, want ErrNotActive", err)
	}
	if err := tr.Append("m-1", Chunk{ID: 4}); !errors.Is(err, ErrNotActive) {
		t.Errorf("Append after Stop err = %v, want ErrNotActive", err)
	}
}

func TestTrackerStopWithoutStoredMeeting(t *testing.T) {
	tr := NewTracker(testStore(t))
	tr.Track("ghost")

	err := tr.Stop("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if tr.Active("ghost") {
		t.Error("aggregate should be gone even when the flush fails")
	}
}

func TestTrackerTrackIsIdempotent(t *testing.T) {
	tr := NewTracker(testStore(t))
	tr.Track("m-1")
	if err := tr.Append("m-1", Chunk{ID: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	tr.Track("m-1")
	if err := tr.Append("m-1", Chunk{ID: 2}); err != nil {
		t.Errorf("Append after re-Track: %v", err)
	}
}

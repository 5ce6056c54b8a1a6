// Package meeting persists meeting records and tracks the chunk sequence of
// recordings still in flight. Storage is a single JSON file rewritten
// atomically on every change.
package meeting

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("meeting not found")
	ErrNotActive = errors.New("recording not active")
)

// Chunk is one completed slice of a chunked recording, in the order the
// engine produced it.
type Chunk struct {
	ID        int    `json:"id"`
	Path      string `json:"path"`
	StartMs   int64  `json:"startMs"`
	EndMs     int64  `json:"endMs"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Segment is one transcript piece returned by the transcription sidecar for
// a chunk.
type Segment struct {
	ChunkID  int    `json:"chunkId"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type Meeting struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"createdAt"`
	RecordingPath string    `json:"recordingPath,omitempty"`
	Chunks        []Chunk   `json:"chunks,omitempty"`
	Transcript    []Segment `json:"transcript,omitempty"`
}

type Store interface {
	Create(m Meeting) error
	Get(id string) (Meeting, error)
	Update(m Meeting) error
	List() ([]Meeting, error)
}

package transcriber

import (
	"context"
	"sync"
)

// Fake is an in-memory Link for tests: ready from the start, records every
// sent path, and answers each chunk with a scripted transcript.
type Fake struct {
	mu sync.Mutex

	Text    string // transcript returned per chunk
	SendErr error  // returned from Send when set

	ready   bool
	sent    []string
	seq     int
	results chan Result
	closed  bool
}

func NewFake(text string) *Fake {
	return &Fake{
		Text:    text,
		ready:   true,
		results: make(chan Result, 16),
	}
}

func (f *Fake) Start() error { return nil }

func (f *Fake) WaitReady(context.Context) error { return nil }

func (f *Fake) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready && !f.closed
}

func (f *Fake) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

func (f *Fake) Send(audioPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready || f.closed {
		return ErrNotReady
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, audioPath)
	f.seq++
	select {
	case f.results <- Result{ChunkID: f.seq, Text: f.Text, Language: "en"}:
	default:
	}
	return nil
}

func (f *Fake) Results() <-chan Result { return f.results }

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.results)
	}
	return nil
}

func (f *Fake) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// Package transcriber keeps the host's line to the transcription sidecar: a
// spawned subprocess that loads a speech model, announces the TCP port it
// bound in its own output (it probes upward from a base port when the base is
// taken), prints READY, and then answers newline-delimited JSON requests on
// that socket. The link rides out socket drops with a single scheduled
// reconnect while the sidecar lives; once the sidecar dies the link stays
// down and callers fall back to the full recording.
package transcriber

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"scribe/log"
	"scribe/proc"
)

var ErrNotReady = errors.New("transcription link not ready")

const (
	defaultStartup   = 30 * time.Second
	defaultReconnect = 2 * time.Second
	defaultKillGrace = 2 * time.Second
	dialTimeout      = 3 * time.Second
	maxResponseBytes = 1 << 20
)

// Result is one sidecar answer for one submitted chunk. Err is the sidecar's
// own failure message; transport problems never produce a Result.
type Result struct {
	ChunkID  int
	Text     string
	Language string
	Err      string
}

type request struct {
	Type      string `json:"type"`
	AudioPath string `json:"audio_path"`
	ChunkID   int    `json:"chunk_id"`
}

type response struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Language string `json:"language"`
	Message  string `json:"message"`
	ChunkID  int    `json:"chunk_id"`
}

// Link is what a recording session needs from the transcription side.
// SocketLink talks to the real sidecar; Fake stands in for tests.
type Link interface {
	Start() error
	WaitReady(ctx context.Context) error
	Ready() bool
	Send(audioPath string) error
	Results() <-chan Result
	Close() error
}

type Config struct {
	// Command is the sidecar argv. Command[0] is the executable.
	Command []string
	// BasePort is handed to the sidecar via SCRIBE_TRANSCRIBER_PORT as the
	// start of its probe range. The port actually bound is read back from
	// the sidecar's output.
	BasePort  int
	Startup   time.Duration
	Reconnect time.Duration
	KillGrace time.Duration

	// Launch and Dial are seams for tests.
	Launch func(spec proc.Spec) (proc.Handle, error)
	Dial   func(addr string) (net.Conn, error)
}

func (c Config) withDefaults() Config {
	if c.Startup == 0 {
		c.Startup = defaultStartup
	}
	if c.Reconnect == 0 {
		c.Reconnect = defaultReconnect
	}
	if c.KillGrace == 0 {
		c.KillGrace = defaultKillGrace
	}
	if c.Launch == nil {
		c.Launch = proc.Start
	}
	if c.Dial == nil {
		c.Dial = func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, dialTimeout)
		}
	}
	return c
}

type linkStats struct {
	sent       int
	recvFinal  int
	recvErrors int
	reconnects int
}

// SocketLink owns one sidecar process and one socket to it. Ready to send
// means the process is alive, startup finished, and the socket is connected;
// anything less fails fast with ErrNotReady so the caller can drop the chunk.
type SocketLink struct {
	cfg Config

	mu               sync.Mutex
	handle           proc.Handle
	conn             net.Conn
	port             int
	started          bool
	connected        bool
	dialing          bool
	closing          bool
	reconnectPending bool
	chunkSeq         int
	stats            linkStats
	startedAt        time.Time

	results   chan Result
	readyC    chan struct{}
	readyOnce sync.Once
	stopC     chan struct{}
	loops     sync.WaitGroup
}

func New(cfg Config) *SocketLink {
	return &SocketLink{
		cfg:     cfg.withDefaults(),
		results: make(chan Result, 16),
		readyC:  make(chan struct{}),
		stopC:   make(chan struct{}),
	}
}

// Start spawns the sidecar and begins watching its output for the port
// announcement and the READY line. It returns once the process is running;
// readiness is asynchronous, see WaitReady and Ready.
func (l *SocketLink) Start() error {
	if len(l.cfg.Command) == 0 {
		return errors.New("transcriber command not configured")
	}
	l.mu.Lock()
	if l.handle != nil {
		l.mu.Unlock()
		return errors.New("transcription link already started")
	}
	l.mu.Unlock()

	spec := proc.Spec{Name: l.cfg.Command[0], Args: l.cfg.Command[1:]}
	if l.cfg.BasePort > 0 {
		spec.Env = append(spec.Env, fmt.Sprintf("SCRIBE_TRANSCRIBER_PORT=%d", l.cfg.BasePort))
	}
	handle, err := l.cfg.Launch(spec)
	if err != nil {
		return fmt.Errorf("spawn transcription sidecar: %w", err)
	}

	l.mu.Lock()
	l.handle = handle
	l.startedAt = time.Now()
	l.mu.Unlock()

	go l.consume(handle)
	return nil
}

// WaitReady blocks until the first successful socket connection, the sidecar
// dies, the startup deadline passes, or ctx ends. Callers may instead poll
// Ready and drop chunks while the model loads.
func (l *SocketLink) WaitReady(ctx context.Context) error {
	l.mu.Lock()
	handle := l.handle
	l.mu.Unlock()
	if handle == nil {
		return errors.New("transcription link not started")
	}

	timer := time.NewTimer(l.cfg.Startup)
	defer timer.Stop()
	select {
	case <-l.readyC:
		return nil
	case <-handle.Done():
		code, _ := handle.ExitState()
		return fmt.Errorf("transcription sidecar exited before ready (code %d)", code)
	case <-timer.C:
		return fmt.Errorf("transcription sidecar not ready after %s", l.cfg.Startup)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *SocketLink) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readyLocked()
}

func (l *SocketLink) readyLocked() bool {
	if l.closing || !l.started || !l.connected || l.conn == nil || l.handle == nil {
		return false
	}
	select {
	case <-l.handle.Done():
		return false
	default:
		return true
	}
}

// Send submits one chunk file for transcription. The chunk id is assigned
// here and comes back in the matching Result.
func (l *SocketLink) Send(audioPath string) error {
	l.mu.Lock()
	if !l.readyLocked() {
		l.mu.Unlock()
		return ErrNotReady
	}
	l.chunkSeq++
	req := request{Type: "transcribe_chunk", AudioPath: audioPath, ChunkID: l.chunkSeq}
	conn := l.conn
	l.mu.Unlock()

	buf, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode chunk request: %w", err)
	}
	// One Write per request keeps lines whole without a writer lock.
	if _, err := conn.Write(append(buf, '\n')); err != nil {
		return fmt.Errorf("send chunk %d: %w", req.ChunkID, err)
	}

	l.mu.Lock()
	l.stats.sent++
	l.mu.Unlock()
	return nil
}

func (l *SocketLink) Results() <-chan Result { return l.results }

// Close tears the link down: socket first, then the sidecar (interrupt, then
// kill after a grace period), then the results channel. Idempotent.
func (l *SocketLink) Close() error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return nil
	}
	l.closing = true
	conn := l.conn
	l.conn = nil
	l.connected = false
	handle := l.handle
	stats := l.stats
	startedAt := l.startedAt
	l.mu.Unlock()

	close(l.stopC)
	if conn != nil {
		conn.Close()
	}
	l.loops.Wait()

	if handle != nil {
		handle.Interrupt()
		select {
		case <-handle.Done():
		case <-time.After(l.cfg.KillGrace):
			handle.Kill()
			select {
			case <-handle.Done():
			case <-time.After(l.cfg.KillGrace):
			}
		}
	}
	close(l.results)

	uptime := 0.0
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Seconds()
	}
	log.LinkSummary(log.LinkStats{
		SentChunks: stats.sent,
		RecvFinal:  stats.recvFinal,
		RecvErrors: stats.recvErrors,
		Reconnects: stats.reconnects,
		UptimeS:    uptime,
	})
	return nil
}

// consume processes sidecar output lines strictly in arrival order. The port
// announcement goes to stderr and READY to stdout, so either can land first.
func (l *SocketLink) consume(handle proc.Handle) {
	for line := range handle.Lines() {
		text := strings.TrimSpace(line.Text)
		if port, ok := parsePortAnnounce(text); ok {
			l.mu.Lock()
			l.port = port
			l.mu.Unlock()
			l.connect()
			continue
		}
		if text == "READY" {
			l.mu.Lock()
			l.started = true
			l.mu.Unlock()
			l.connect()
		}
	}

	l.mu.Lock()
	closing := l.closing
	l.mu.Unlock()
	if !closing {
		code, _ := handle.ExitState()
		log.Warnf("transcription sidecar exited (code %d)", code)
	}
}

// connect dials the announced port once both startup signals are in. Safe to
// call from the consume loop and the reconnect timer; only one dial runs.
func (l *SocketLink) connect() {
	l.mu.Lock()
	if l.closing || l.connected || l.dialing || !l.started || l.port == 0 {
		l.mu.Unlock()
		return
	}
	l.dialing = true
	port := l.port
	l.mu.Unlock()

	conn, err := l.cfg.Dial(net.JoinHostPort("localhost", strconv.Itoa(port)))

	l.mu.Lock()
	l.dialing = false
	if err != nil {
		l.mu.Unlock()
		log.Warnf("transcription socket dial failed: %v", err)
		l.scheduleReconnect()
		return
	}
	if l.closing {
		l.mu.Unlock()
		conn.Close()
		return
	}
	l.conn = conn
	l.connected = true
	l.mu.Unlock()

	log.Infof("transcription socket connected on port %d", port)
	l.readyOnce.Do(func() { close(l.readyC) })
	l.loops.Add(1)
	go l.readLoop(conn)
}

func (l *SocketLink) readLoop(conn net.Conn) {
	defer l.loops.Done()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxResponseBytes)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var resp response
		if err := json.Unmarshal([]byte(text), &resp); err != nil {
			log.Warnf("transcription response not JSON: %q", text)
			continue
		}
		res, ok := resultFrom(resp)
		if !ok {
			continue
		}

		l.mu.Lock()
		if res.Err != "" {
			l.stats.recvErrors++
		} else {
			l.stats.recvFinal++
		}
		l.mu.Unlock()
		if res.Err == "" && res.Text != "" {
			log.TranscriptionText(res.Text)
		}

		select {
		case l.results <- res:
		case <-l.stopC:
			return
		}
	}

	// Socket gone. Forget the connection and, if the sidecar still lives,
	// try again after the delay.
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
		l.connected = false
	}
	closing := l.closing
	l.mu.Unlock()
	if !closing {
		log.Warn("transcription socket closed")
		l.scheduleReconnect()
	}
}

// scheduleReconnect arms at most one reconnect timer, and only while the
// sidecar is alive. A drop while a timer is pending changes nothing.
func (l *SocketLink) scheduleReconnect() {
	l.mu.Lock()
	if l.closing || l.reconnectPending {
		l.mu.Unlock()
		return
	}
	handle := l.handle
	l.mu.Unlock()
	if handle == nil {
		return
	}
	select {
	case <-handle.Done():
		return
	default:
	}

	l.mu.Lock()
	if l.reconnectPending {
		l.mu.Unlock()
		return
	}
	l.reconnectPending = true
	delay := l.cfg.Reconnect
	l.mu.Unlock()

	log.Infof("transcription reconnect in %s", delay)
	time.AfterFunc(delay, func() {
		l.mu.Lock()
		l.reconnectPending = false
		closing := l.closing
		l.mu.Unlock()
		if closing {
			return
		}
		select {
		case <-handle.Done():
			return
		default:
		}
		l.mu.Lock()
		l.stats.reconnects++
		l.mu.Unlock()
		l.connect()
	})
}

func resultFrom(resp response) (Result, bool) {
	switch resp.Type {
	case "transcript":
		return Result{
			ChunkID:  resp.ChunkID,
			Text:     strings.TrimSpace(resp.Text),
			Language: resp.Language,
		}, true
	case "error":
		return Result{ChunkID: resp.ChunkID, Err: resp.Message}, true
	default:
		return Result{}, false
	}
}

// parsePortAnnounce extracts the port from the sidecar's bind announcement,
// e.g. "Socket server listening on port 9001". Decoration around the number
// is tolerated.
func parsePortAnnounce(line string) (int, bool) {
	const marker = "listening on port "
	i := strings.LastIndex(line, marker)
	if i < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(line[i+len(marker):])
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	port, err := strconv.Atoi(rest[:end])
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

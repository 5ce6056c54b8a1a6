package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcribeFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
	level          = zerolog.DebugLevel
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		if !filepath.IsAbs(flagPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, flagPath), nil
		}
		return flagPath, nil
	}

	// Priority 2: SCRIBE_LOG_PATH environment variable
	envPath := os.Getenv("SCRIBE_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

// Init opens the log files in append mode. The supervisor and the capture
// engine are separate processes writing to the same files; the pid field
// tells their lines apart.
func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcribePath := filepath.Join(dir, "transcribe_log.txt")
	transcribeFile, err = os.OpenFile(transcribePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger().Level(level)

	logReady = true
	return nil
}

// SetLevel sets the minimum severity written to the diagnostics log. It
// accepts zerolog level names such as "debug", "info", "warn" and "error",
// and applies to loggers opened by a later Init as well.
func SetLevel(name string) error {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("unknown log level %q", name)
	}
	logMu.Lock()
	defer logMu.Unlock()
	level = lvl
	if logReady {
		diagLog = diagLog.Level(lvl)
	}
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcribeFile != nil {
		transcribeFile.Close()
		transcribeFile = nil
	}
	logReady = false
}

func Debugf(format string, args ...any) {
	if logReady {
		diagLog.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func RecordingStart(id, dir, base, source string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("dir", dir).
		Str("base", base).
		Str("source", source).
		Msg("recording_start")
}

func RecordingStop(id, path string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("path", path).
		Msg("recording_stop")
}

// Recovery records which filesystem strategy produced the artifact when the
// engine never reported completion.
func Recovery(strategy, path string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("strategy", strategy).
		Str("path", path).
		Msg("recovery")
}

func StreamRestart(stream string, attempt int) {
	if !logReady {
		return
	}
	diagLog.Warn().
		Str("stream", stream).
		Int("attempt", attempt).
		Msg("stream_restart")
}

func ChunkEmitted(seq int, path string, sizeBytes int64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("seq", seq).
		Str("path", path).
		Int64("bytes", sizeBytes).
		Msg("chunk")
}

// LinkStats summarizes one transcription sidecar connection at teardown.
type LinkStats struct {
	SentChunks int
	RecvFinal  int
	RecvErrors int
	Reconnects int
	UptimeS    float64
}

func LinkSummary(s LinkStats) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("sent_chunks", s.SentChunks).
		Int("recv_final", s.RecvFinal).
		Int("recv_errors", s.RecvErrors).
		Int("reconnects", s.Reconnects).
		Float64("uptime_s", s.UptimeS).
		Msg("link_summary")
}

func TranscriptionText(text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	transcribeFile.WriteString(line)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Load reads the default location when no path is given; point it at a temp
// home so developer machines don't leak into tests.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("SCRIBE_CONFIG", "")
	t.Setenv("SCRIBE_RECORDING_DIR", "")
	t.Setenv("SCRIBE_MIXER_BIN", "")
	t.Setenv("SCRIBE_TRANSCRIBER_CMD", "")
	t.Setenv("SCRIBE_MEETINGS_PATH", "")
}

func TestDefaultsWhenFileAbsent(t *testing.T) {
	isolateEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source != "both" {
		t.Errorf("source = %q, want both", cfg.Source)
	}
	if cfg.MixerBin != "ffmpeg" {
		t.Errorf("mixer = %q, want ffmpeg", cfg.MixerBin)
	}
	if cfg.ChunkInterval != 5*time.Second {
		t.Errorf("chunk interval = %v, want 5s", cfg.ChunkInterval)
	}
	if cfg.ChunkFormat != "wav" {
		t.Errorf("chunk format = %q, want wav", cfg.ChunkFormat)
	}
	if cfg.TranscriberPort != 8765 {
		t.Errorf("port = %d, want 8765", cfg.TranscriberPort)
	}
	if cfg.RecordingDir == "" || cfg.MeetingsPath == "" {
		t.Error("path defaults must be non-empty")
	}
}

func TestFileValues(t *testing.T) {
	isolateEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[recording]
directory = "/rec/meetings"
source = "mic"
audio_only = true
chunked = true
chunk_seconds = 10
chunk_format = "flac"

[engine]
binary = "/opt/scribe/engine"
mixer = "/usr/local/bin/ffmpeg"

[transcriber]
enabled = true
command = "python3 transcribe.py"
base_port = 9100

[meetings]
path = "/data/meetings.json"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RecordingDir != "/rec/meetings" {
		t.Errorf("recording dir = %q", cfg.RecordingDir)
	}
	if cfg.Source != "mic" || !cfg.AudioOnly || !cfg.Chunked {
		t.Errorf("recording flags = %q %v %v", cfg.Source, cfg.AudioOnly, cfg.Chunked)
	}
	if cfg.ChunkInterval != 10*time.Second || cfg.ChunkFormat != "flac" {
		t.Errorf("chunking = %v %q", cfg.ChunkInterval, cfg.ChunkFormat)
	}
	if cfg.EngineBin != "/opt/scribe/engine" || cfg.MixerBin != "/usr/local/bin/ffmpeg" {
		t.Errorf("engine = %q mixer = %q", cfg.EngineBin, cfg.MixerBin)
	}
	if !cfg.TranscriberEnabled || cfg.TranscriberCmd != "python3 transcribe.py" || cfg.TranscriberPort != 9100 {
		t.Errorf("transcriber = %v %q %d", cfg.TranscriberEnabled, cfg.TranscriberCmd, cfg.TranscriberPort)
	}
	if cfg.MeetingsPath != "/data/meetings.json" {
		t.Errorf("meetings path = %q", cfg.MeetingsPath)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	isolateEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[recording]\ndirectory = \"/from/file\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCRIBE_RECORDING_DIR", "/from/env")
	t.Setenv("SCRIBE_TRANSCRIBER_CMD", "whisper-serve")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RecordingDir != "/from/env" {
		t.Errorf("recording dir = %q, want env value", cfg.RecordingDir)
	}
	if !cfg.TranscriberEnabled || cfg.TranscriberCmd != "whisper-serve" {
		t.Error("setting the transcriber command must enable the link")
	}
}

func TestExplicitMissingFileErrors(t *testing.T) {
	isolateEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for explicitly named missing file")
	}
}

func TestInvalidValuesRejected(t *testing.T) {
	isolateEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[recording]\nsource = \"spdif\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid source")
	}

	if err := os.WriteFile(path, []byte("[recording]\nchunk_format = \"aiff\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid chunk format")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	cases := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/recordings", filepath.Join(home, "recordings")},
		{"/abs/path", "/abs/path"},
		{"relative/path", "relative/path"},
		{"~user/x", "~user/x"}, // other users' homes are not resolved
	}
	for _, c := range cases {
		got, err := ExpandHome(c.in)
		if err != nil {
			t.Fatalf("ExpandHome(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	if _, err := ExpandHome(""); err == nil {
		t.Error("empty path must error")
	}
}

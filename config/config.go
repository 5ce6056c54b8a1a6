// Package config loads the host configuration from a TOML file with
// environment overrides for the common knobs. Missing file means defaults;
// a file named explicitly must exist.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultSource       = "both"
	DefaultMixerBin     = "ffmpeg"
	DefaultChunkSeconds = 5
	DefaultChunkFormat  = "wav"
	DefaultBasePort     = 8765
)

type Config struct {
	RecordingDir  string
	Source        string
	AudioOnly     bool
	Chunked       bool
	ChunkInterval time.Duration
	ChunkFormat   string

	EngineBin string // empty means re-exec the current binary
	MixerBin  string

	TranscriberEnabled bool
	TranscriberCmd     string
	TranscriberPort    int

	MeetingsPath string
}

type fileConfig struct {
	Recording struct {
		Directory    string `toml:"directory"`
		Source       string `toml:"source"`
		AudioOnly    bool   `toml:"audio_only"`
		Chunked      bool   `toml:"chunked"`
		ChunkSeconds int    `toml:"chunk_seconds"`
		ChunkFormat  string `toml:"chunk_format"`
	} `toml:"recording"`
	Engine struct {
		Binary string `toml:"binary"`
		Mixer  string `toml:"mixer"`
	} `toml:"engine"`
	Transcriber struct {
		Enabled  bool   `toml:"enabled"`
		Command  string `toml:"command"`
		BasePort int    `toml:"base_port"`
	} `toml:"transcriber"`
	Meetings struct {
		Path string `toml:"path"`
	} `toml:"meetings"`
}

// Load reads the config file named by flagPath, SCRIBE_CONFIG, or the
// default location, in that priority. Only an explicitly named file is
// required to exist.
func Load(flagPath string) (*Config, error) {
	cfg := &Config{
		RecordingDir:    defaultRecordingDir(),
		Source:          DefaultSource,
		ChunkInterval:   DefaultChunkSeconds * time.Second,
		ChunkFormat:     DefaultChunkFormat,
		MixerBin:        DefaultMixerBin,
		TranscriberPort: DefaultBasePort,
		MeetingsPath:    defaultMeetingsPath(),
	}

	path := flagPath
	explicit := path != ""
	if path == "" {
		if env := os.Getenv("SCRIBE_CONFIG"); env != "" {
			path = env
			explicit = true
		} else {
			path = defaultConfigPath()
		}
	}

	if path != "" {
		var fc fileConfig
		_, err := toml.DecodeFile(path, &fc)
		switch {
		case err == nil:
			applyFile(cfg, fc)
		case os.IsNotExist(err) && !explicit:
			// defaults apply
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	var err error
	if cfg.RecordingDir, err = ExpandHome(cfg.RecordingDir); err != nil {
		return nil, err
	}
	if cfg.MeetingsPath, err = ExpandHome(cfg.MeetingsPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.Recording.Directory != "" {
		cfg.RecordingDir = fc.Recording.Directory
	}
	if fc.Recording.Source != "" {
		cfg.Source = fc.Recording.Source
	}
	cfg.AudioOnly = fc.Recording.AudioOnly
	cfg.Chunked = fc.Recording.Chunked
	if fc.Recording.ChunkSeconds > 0 {
		cfg.ChunkInterval = time.Duration(fc.Recording.ChunkSeconds) * time.Second
	}
	if fc.Recording.ChunkFormat != "" {
		cfg.ChunkFormat = fc.Recording.ChunkFormat
	}
	cfg.EngineBin = fc.Engine.Binary
	if fc.Engine.Mixer != "" {
		cfg.MixerBin = fc.Engine.Mixer
	}
	cfg.TranscriberEnabled = fc.Transcriber.Enabled
	cfg.TranscriberCmd = fc.Transcriber.Command
	if fc.Transcriber.BasePort > 0 {
		cfg.TranscriberPort = fc.Transcriber.BasePort
	}
	if fc.Meetings.Path != "" {
		cfg.MeetingsPath = fc.Meetings.Path
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCRIBE_RECORDING_DIR"); v != "" {
		cfg.RecordingDir = v
	}
	if v := os.Getenv("SCRIBE_MIXER_BIN"); v != "" {
		cfg.MixerBin = v
	}
	if v := os.Getenv("SCRIBE_TRANSCRIBER_CMD"); v != "" {
		cfg.TranscriberCmd = v
		cfg.TranscriberEnabled = true
	}
	if v := os.Getenv("SCRIBE_MEETINGS_PATH"); v != "" {
		cfg.MeetingsPath = v
	}
}

func validate(cfg *Config) error {
	switch cfg.Source {
	case "mic", "system", "both":
	default:
		return fmt.Errorf("config: source must be mic, system, or both, got %q", cfg.Source)
	}
	switch cfg.ChunkFormat {
	case "wav", "flac":
	default:
		return fmt.Errorf("config: chunk_format must be wav or flac, got %q", cfg.ChunkFormat)
	}
	return nil
}

func defaultConfigPath() string {
	dir := xdgDir("XDG_CONFIG_HOME", ".config")
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "scribe", "config.toml")
}

func defaultRecordingDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "recordings")
	}
	return filepath.Join(".", "recordings")
}

func defaultMeetingsPath() string {
	dir := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if dir == "" {
		return filepath.Join(".", "meetings.json")
	}
	return filepath.Join(dir, "scribe", "meetings.json")
}

func xdgDir(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, fallback)
	}
	return ""
}

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

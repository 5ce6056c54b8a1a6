package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scribe/log"
)

var audioExts = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".flac": true,
	".m4a":  true,
	".ogg":  true,
}

func isAudioFile(name string) bool {
	return audioExts[strings.ToLower(filepath.Ext(name))]
}

// Chunk files share the session stem but are never the session artifact.
func isChunkFile(name string) bool {
	return strings.Contains(name, "_chunk_")
}

// recoverArtifact reconstructs the result path when the engine never
// reported completion: exact expected path, then a stem-filtered directory
// scan, then remixing leftover component files, then the most recent audio
// file. A crashed engine must not cost the user an otherwise complete
// recording.
func (sv *Supervisor) recoverArtifact(ctx context.Context, sess *session) (string, error) {
	if path := sess.expectedPath(); fileExists(path) {
		log.Recovery("expected path", path)
		return path, nil
	}

	matches, err := sv.scanStem(sess.dir, sess.base)
	if err != nil {
		return "", err
	}

	if mic, system, ok := componentPair(matches, sess.base); ok {
		// The engine died between capture and combination; run the same
		// mixer it would have used, briefly.
		out := filepath.Join(sess.dir, sess.base+".wav")
		rctx, cancel := context.WithTimeout(ctx, sv.cfg.Timeouts.Remix)
		err := sv.cfg.Mixer.Combine(rctx, system, mic, out)
		cancel()
		if err == nil && fileExists(out) {
			log.Recovery("manual remix", out)
			return out, nil
		}
		log.Warnf("recovery remix failed: %v", err)
		if path, ok := sv.mostRecentAudio(sess.dir); ok {
			log.Recovery("most recent after remix failure", path)
			return path, nil
		}
		return "", fmt.Errorf("remix failed and no audio file found in %s", sess.dir)
	}

	if len(matches) == 1 {
		log.Recovery("single stem match", matches[0])
		return matches[0], nil
	}
	if len(matches) > 1 {
		path := newestFile(matches)
		log.Recovery("newest stem match", path)
		return path, nil
	}

	if path, ok := sv.mostRecentAudio(sess.dir); ok {
		log.Recovery("most recent audio file", path)
		return path, nil
	}
	return "", fmt.Errorf("no recording artifact found in %s for %q", sess.dir, sess.base)
}

func (sv *Supervisor) scanStem(dir, base string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan recording dir: %w", err)
	}
	var matches []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isAudioFile(name) || isChunkFile(name) {
			continue
		}
		if strings.HasPrefix(name, base) {
			matches = append(matches, filepath.Join(dir, name))
		}
	}
	return matches, nil
}

// componentPair finds the per-stream capture files left behind when the
// engine died before combining them.
func componentPair(matches []string, base string) (mic, system string, ok bool) {
	for _, m := range matches {
		switch filepath.Base(m) {
		case base + "_mic.wav":
			mic = m
		case base + "_system.wav":
			system = m
		}
	}
	return mic, system, mic != "" && system != ""
}

func (sv *Supervisor) mostRecentAudio(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var newest string
	var newestMod time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isAudioFile(name) || isChunkFile(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, name)
			newestMod = info.ModTime()
		}
	}
	return newest, newest != ""
}

func newestFile(paths []string) string {
	best := paths[0]
	var bestMod time.Time
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.ModTime().After(bestMod) {
			best = p
			bestMod = info.ModTime()
		}
	}
	return best
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"golang.org/x/term"

	"scribe/audio"
	"scribe/beep"
	"scribe/clipboard"
	"scribe/config"
	"scribe/log"
	"scribe/meeting"
	"scribe/mix"
	"scribe/protocol"
	"scribe/shutdown"
	"scribe/supervisor"
	"scribe/transcriber"
	"scribe/update"
)

type sessionOptions struct {
	title      string
	device     string
	configPath string
	noSound    bool
	noCopy     bool
	plain      bool
}

// mergeStop returns a channel that closes when any source fires.
func mergeStop(sources ...<-chan struct{}) chan struct{} {
	out := make(chan struct{})
	var once sync.Once
	for _, s := range sources {
		if s == nil {
			continue
		}
		go func(ch <-chan struct{}) {
			select {
			case <-ch:
				once.Do(func() { close(out) })
			case <-out:
			}
		}(s)
	}
	return out
}

// runSession records one meeting under supervision: spawn the engine, show
// the status view until the user stops, then finalize the artifact, the
// meeting record, and the desktop niceties.
func runSession(cfg *config.Config, opts sessionOptions) int {
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	if opts.noSound {
		beep.Disable()
	}
	go beep.Init()

	deviceName := opts.device
	if deviceName == "" && !opts.plain && term.IsTerminal(int(os.Stdin.Fd())) {
		deviceName = pickSessionDevice()
	}

	title := opts.title
	if title == "" {
		title = "Meeting " + time.Now().Format("2006-01-02 15:04")
	}

	store := meeting.NewFileStore(cfg.MeetingsPath)
	m := meeting.Meeting{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now(),
	}
	if err := store.Create(m); err != nil {
		fmt.Fprintf(os.Stderr, "Error: create meeting record: %v\n", err)
		return 1
	}
	tracker := meeting.NewTracker(store)
	tracker.Track(m.ID)

	chunked := cfg.Chunked
	var link transcriber.Link
	if cfg.TranscriberEnabled {
		if cfg.TranscriberCmd == "" {
			fmt.Fprintln(os.Stderr, "Error: transcription requested but no transcriber command configured")
			return 1
		}
		link = transcriber.New(transcriber.Config{
			Command:  strings.Fields(cfg.TranscriberCmd),
			BasePort: cfg.TranscriberPort,
		})
		// Transcription feeds on chunks, so chunked capture is implied.
		chunked = true
	}

	var env []string
	if deviceName != "" {
		env = append(env, "SCRIBE_MIC_DEVICE="+deviceName)
	}
	if opts.configPath != "" {
		env = append(env, "SCRIBE_CONFIG="+opts.configPath)
	}

	engineDone := make(chan struct{})
	sv := supervisor.New(supervisor.Config{
		EngineBin: cfg.EngineBin,
		Env:       env,
		Mixer:     mix.NewFFmpeg(cfg.MixerBin),
		OnEvent: func(ev protocol.Event) {
			switch ev.Kind {
			case protocol.MicStartedHint, protocol.SystemStartedHint, protocol.AudioOnlyHint:
				tuiSend(StreamLineMsg{Text: ev.Line})
			case protocol.Status:
				if ev.Code == protocol.Failed {
					tuiSend(ErrorLineMsg{Text: ev.Err})
				}
			}
		},
		OnChunk: func(ev protocol.Event) {
			if err := tracker.Append(m.ID, meeting.Chunk{
				ID:        ev.Seq,
				Path:      ev.Path,
				StartMs:   ev.StartMs,
				EndMs:     ev.EndMs,
				SizeBytes: ev.SizeBytes,
			}); err != nil {
				log.Warnf("chunk tracking: %v", err)
			}
			if link != nil {
				// A chunk the link cannot take right now is simply dropped;
				// the audio is still in the main recording.
				if err := link.Send(ev.Path); err != nil {
					log.Debugf("chunk %d not sent for transcription: %v", ev.Seq, err)
				}
			}
			tuiSend(ChunkMsg{Seq: ev.Seq, EndMs: ev.EndMs})
		},
		OnExit: func(code int) {
			close(engineDone)
		},
	})

	resultsDrained := make(chan struct{})
	if link != nil {
		if err := link.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: transcriber start failed: %v\n", err)
			log.Errorf("transcriber start: %v", err)
			link = nil
			close(resultsDrained)
		} else {
			go consumeTranscripts(link, tracker, m.ID, resultsDrained)
		}
	} else {
		close(resultsDrained)
	}

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	sigStop := make(chan struct{})
	go func() {
		<-sigChan
		close(sigStop)
		<-sigChan
		log.Warn("second interrupt, exiting")
		os.Exit(1)
	}()

	update.StartBackgroundCheck(version, log.Dir(), func(rel update.Release) {
		log.Info("update_available: " + rel.Version)
		tuiSend(UpdateAvailableMsg{Version: rel.Version})
	})

	fmt.Println("Starting recording...")

	startCtx, cancelStart := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigStop:
			cancelStart()
		case <-startCtx.Done():
		}
	}()
	info, err := sv.StartRecording(startCtx, supervisor.Request{
		Dir:       cfg.RecordingDir,
		Source:    supervisor.Source(cfg.Source),
		AudioOnly: cfg.AudioOnly,
		Chunked:   chunked,
	})
	cancelStart()
	if err != nil {
		beep.PlayError()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if link != nil {
			link.Close()
		}
		<-resultsDrained
		return 1
	}
	go beep.PlayStart()

	tuiDone := make(chan struct{})
	if opts.plain {
		fmt.Printf("Recording %s\n", info.ExpectedPath)
		fmt.Println("Press Ctrl-C to stop.")
	} else {
		tuiMu.Lock()
		tuiProgram = NewTUIProgram(sessionView{
			title:        title,
			path:         info.ExpectedPath,
			startedAt:    time.Now(),
			transcribing: link != nil,
		})
		p := tuiProgram
		tuiMu.Unlock()
		go func() {
			defer close(tuiDone)
			if _, err := p.Run(); err != nil {
				log.Errorf("status view error: %v", err)
			}
		}()
	}

	var stop chan struct{}
	if opts.plain {
		stop = mergeStop(sigStop)
	} else {
		stop = mergeStop(sigStop, tuiDone)
	}
	<-stop

	path, stopErr := sv.StopRecording(context.Background())

	// Tear the link down before flushing the meeting so the transcripts that
	// already arrived still land in the record.
	if link != nil {
		if err := link.Close(); err != nil {
			log.Warnf("transcriber close: %v", err)
		}
	}
	<-resultsDrained

	// The engine may still be flushing its last lines when StopRecording
	// returns; give the tail chunk a moment to reach the tracker.
	select {
	case <-engineDone:
	case <-time.After(2 * time.Second):
	}

	if stopErr == nil {
		if rec, err := store.Get(m.ID); err == nil {
			rec.RecordingPath = path
			if err := store.Update(rec); err != nil {
				log.Warnf("meeting update: %v", err)
			}
		}
	}
	if err := tracker.Stop(m.ID); err != nil {
		log.Warnf("meeting flush: %v", err)
	}

	if !opts.plain {
		tuiMu.Lock()
		p := tuiProgram
		tuiMu.Unlock()
		if p != nil {
			p.Quit()
		}
		<-tuiDone
	}

	if stopErr != nil {
		beep.PlayError()
		fmt.Fprintf(os.Stderr, "Error: %v\n", stopErr)
		return 1
	}

	copied := false
	if !opts.noCopy {
		if err := clipboard.Copy(path); err != nil {
			log.Warnf("clipboard: %v", err)
		} else {
			copied = true
		}
	}
	beep.PlayEnd()

	printResult(path, copied, opts.plain)
	return 0
}

// consumeTranscripts drains link results into the tracker until the link
// closes its channel.
func consumeTranscripts(link transcriber.Link, tracker *meeting.Tracker, meetingID string, done chan struct{}) {
	defer close(done)
	for res := range link.Results() {
		if res.Err != "" {
			log.Warnf("transcription error for chunk %d: %s", res.ChunkID, res.Err)
			tuiSend(ErrorLineMsg{Text: "transcription: " + res.Err})
			continue
		}
		if err := tracker.AddTranscript(meetingID, meeting.Segment{
			ChunkID:  res.ChunkID,
			Text:     res.Text,
			Language: res.Language,
		}); err != nil {
			log.Warnf("transcript tracking: %v", err)
		}
		tuiSend(TranscriptMsg{Seq: res.ChunkID, Text: res.Text})
	}
}

// pickSessionDevice runs the interactive picker and reports the chosen
// microphone by name; empty string means the platform default.
func pickSessionDevice() string {
	actx, err := audio.NewContext()
	if err != nil {
		log.Warnf("audio context for device picker: %v", err)
		return ""
	}
	defer actx.Close()

	dev, err := selectDevice(actx)
	if err != nil {
		log.Warnf("device selection failed: %v", err)
		fmt.Printf("Warning: device selection failed: %v\n", err)
		fmt.Println("Falling back to default device")
		return ""
	}
	if dev == nil {
		return ""
	}
	if audio.IsBluetooth(dev.Name) {
		fmt.Println("Note: Bluetooth microphone selected, input gain will be biased up")
	}
	return dev.Name
}

func printResult(path string, copied, plain bool) {
	if plain {
		fmt.Printf("Saved %s\n", path)
		if copied {
			fmt.Println("Path copied to clipboard.")
		}
		return
	}
	check := lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true).Render("✓")
	line := fmt.Sprintf("%s Recording saved to %s", check, lipgloss.NewStyle().Bold(true).Render(path))
	if copied {
		line += lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("  (path copied)")
	}
	fmt.Println(line)
}

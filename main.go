package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"scribe/audio"
	"scribe/capture"
	"scribe/config"
	"scribe/doctor"
	"scribe/log"
	"scribe/protocol"
	"scribe/shutdown"
	"scribe/update"
)

var version = "dev"

func main() {
	run()
}

func run() {
	if len(os.Args) > 1 && os.Args[1] == "update" {
		runUpdate()
		return
	}

	recordFlag := flag.String("record", "", "Engine mode: record into this directory")
	filenameFlag := flag.String("filename", "", "Engine mode: output base name without extension")
	sourceFlag := flag.String("source", "", "Capture source: mic, system, or both")
	audioOnlyFlag := flag.Bool("audio-only", false, "Capture the microphone only, skip system audio")
	chunkedFlag := flag.Bool("chunked", false, "Emit rolling chunks next to the main recording")
	checkPermFlag := flag.Bool("check-permissions", false, "Probe capture permissions and exit")

	devicesFlag := flag.Bool("devices", false, "List capture devices and exit")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	titleFlag := flag.String("title", "", "Meeting title (default: timestamped)")
	transcribeFlag := flag.Bool("transcribe", false, "Stream chunks to the transcription sidecar")
	configFlag := flag.String("config", "", "Config file path (default: ~/.config/scribe/config.toml)")
	logPathFlag := flag.String("log-path", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	logLevelFlag := flag.String("log-level", "", "Minimum log severity: debug, info, warn, or error")
	noSoundFlag := flag.Bool("no-sound", false, "Disable audio cues")
	noCopyFlag := flag.Bool("no-copy", false, "Do not copy the recording path to the clipboard")
	plainFlag := flag.Bool("plain", false, "Plain line output instead of the status view")
	doctorFlag := flag.Bool("doctor", false, "Run environment diagnostics and exit")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Resolve log directory early
	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)

	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	if *logLevelFlag != "" {
		if err := log.SetLevel(*logLevelFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if *versionFlag {
		fmt.Printf("scribe %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Engine modes run headless and speak the status protocol on stdout;
	// everything else is the interactive host.
	switch {
	case *doctorFlag:
		os.Exit(doctor.Run(cfg))
	case *checkPermFlag:
		os.Exit(runProbe(*audioOnlyFlag))
	case *recordFlag != "":
		os.Exit(runEngine(capture.Options{
			Dir:           *recordFlag,
			Base:          *filenameFlag,
			Source:        *sourceFlag,
			AudioOnly:     *audioOnlyFlag,
			Chunked:       *chunkedFlag,
			ChunkInterval: cfg.ChunkInterval,
			ChunkFormat:   cfg.ChunkFormat,
			MixerBin:      cfg.MixerBin,
		}))
	case *devicesFlag:
		os.Exit(listDevices())
	}

	if *sourceFlag != "" {
		cfg.Source = *sourceFlag
	}
	if *audioOnlyFlag {
		cfg.AudioOnly = true
	}
	if *chunkedFlag {
		cfg.Chunked = true
	}
	if *transcribeFlag {
		cfg.TranscriberEnabled = true
	}

	os.Exit(runSession(cfg, sessionOptions{
		title:      *titleFlag,
		device:     *deviceFlag,
		configPath: *configFlag,
		noSound:    *noSoundFlag,
		noCopy:     *noCopyFlag,
		plain:      *plainFlag,
	}))
}

func runUpdate() {
	if version == "dev" {
		fmt.Println("Dev build, cannot check for updates.")
		os.Exit(0)
	}
	fmt.Printf("scribe %s, checking for updates...\n", version)
	rel, err := update.CheckLatest(version)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if rel == nil {
		fmt.Println("Already up to date.")
		os.Exit(0)
	}
	fmt.Printf("Update available: %s -> %s\n", version, rel.Version)
	fmt.Print("Continue? [y/N] ")
	var answer string
	fmt.Scanln(&answer)
	if answer != "y" && answer != "Y" {
		fmt.Println("Aborted.")
		os.Exit(0)
	}
	fmt.Printf("Downloading %s...\n", rel.Version)
	if err := update.Apply(rel); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Updated to %s\n", rel.Version)
	os.Exit(0)
}

// runEngine is the subprocess side of a recording session. It owns the
// audio streams and reports through the status protocol until the host
// interrupts it; the nil return from Run is the RECORDING_STOPPED path.
func runEngine(opts capture.Options) int {
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	out := protocol.NewWriter(os.Stdout)
	e, err := capture.NewEngine(opts, out)
	if err != nil {
		out.StartupError(err.Error())
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := e.Run(ctx); err != nil {
		return 1
	}
	return 0
}

func runProbe(audioOnly bool) int {
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	e, err := capture.NewEngine(capture.Options{Source: "both"}, protocol.NewWriter(os.Stdout))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		return 1
	}
	e.CheckPermissions(audioOnly)
	return 0
}

func listDevices() int {
	actx, err := audio.NewContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		return 1
	}
	defer actx.Close()

	devices, err := actx.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Println("Capture devices:")
	n := 0
	for _, d := range devices {
		if d.Loopback {
			continue
		}
		marker := ""
		if audio.IsBluetooth(d.Name) {
			marker = " (bluetooth)"
		}
		fmt.Printf("  %s%s\n", d.Name, marker)
		n++
	}
	if n == 0 {
		fmt.Println("  none found")
	}

	if src, err := actx.SystemSource(); err == nil {
		fmt.Printf("System audio: %s\n", src.Name)
	} else {
		fmt.Println("System audio: unavailable")
	}
	return 0
}

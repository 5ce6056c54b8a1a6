// Package doctor runs interactive environment checks: can we reach the audio
// system, capture from a microphone, find the mixer, and write where the
// recordings and meeting records go.
package doctor

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scribe/audio"
	"scribe/config"
	"scribe/encoder"
	"scribe/meeting"
)

// Run executes the diagnostic checks and returns an exit code (0=all pass,
// 1=any fail).
func Run(cfg *config.Config) int {
	resetTerminal()
	setupInterruptHandler()

	fmt.Println("scribe doctor - environment diagnostics")
	fmt.Println("=======================================")

	allPass := true

	actx := checkAudio()
	if actx == nil {
		allPass = false
	} else {
		if !checkMicCapture(actx) {
			allPass = false
		}
		actx.Close()
	}
	if !checkMixer(cfg.MixerBin) {
		allPass = false
	}
	if !checkStorage(cfg) {
		allPass = false
	}
	if !checkTranscriber(cfg) {
		allPass = false
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func checkAudio() audio.Context {
	fmt.Println()
	fmt.Println("[1/5] Audio system")

	actx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return nil
	}

	devices, err := actx.Devices()
	if err != nil {
		fmt.Printf("  FAIL: cannot list devices: %v\n", err)
		actx.Close()
		return nil
	}

	inputs := 0
	for _, d := range devices {
		if d.Loopback {
			continue
		}
		marker := ""
		if audio.IsBluetooth(d.Name) {
			marker = " (bluetooth)"
		}
		fmt.Printf("  input: %s%s\n", d.Name, marker)
		inputs++
	}
	if inputs == 0 {
		fmt.Println("  FAIL: no capture devices found")
		actx.Close()
		return nil
	}

	if src, err := actx.SystemSource(); err == nil {
		fmt.Printf("  system audio: %s\n", src.Name)
	} else {
		fmt.Println("  WARN: no system audio source; recordings will be mic-only")
	}

	fmt.Printf("  PASS: %d capture device(s)\n", inputs)
	return actx
}

func checkMicCapture(actx audio.Context) bool {
	fmt.Println()
	fmt.Println("[2/5] Microphone capture")

	devices, err := actx.Devices()
	if err != nil {
		fmt.Printf("  FAIL: cannot list devices: %v\n", err)
		return false
	}
	var inputs []audio.DeviceInfo
	for _, d := range devices {
		if !d.Loopback {
			inputs = append(inputs, d)
		}
	}

	var device *audio.DeviceInfo
	if len(inputs) == 1 {
		device = &inputs[0]
		fmt.Printf("  Using device: %s\n", device.Name)
	} else {
		reader := bufio.NewReader(os.Stdin)
		fmt.Println()
		fmt.Println("Select input device:")
		for i, d := range inputs {
			fmt.Printf("  %d. %s\n", i+1, d.Name)
		}
		fmt.Printf("Choice [1-%d]: ", len(inputs))

		devChoice, _ := reader.ReadString('\n')
		devChoice = strings.TrimSpace(devChoice)
		idx := 0
		if devChoice != "" {
			fmt.Sscanf(devChoice, "%d", &idx)
			idx--
		}
		if idx < 0 || idx >= len(inputs) {
			fmt.Println("  FAIL: invalid choice")
			return false
		}
		device = &inputs[idx]
		fmt.Printf("  Selected: %s\n", device.Name)
	}

	stop := make(chan struct{})
	go func() {
		time.Sleep(2 * time.Second)
		close(stop)
	}()

	pcm, err := recordAudio(actx, device, stop)
	if err != nil {
		fmt.Printf("  FAIL: recording error: %v\n", err)
		return false
	}
	if len(pcm) == 0 {
		fmt.Println("  FAIL: no audio captured")
		return false
	}

	var peak int16
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}

	fmt.Printf("  Recorded %.1f KB, peak level %.0f%%\n",
		float64(len(pcm))/1024, float64(peak)/32767*100)
	if peak < 300 {
		fmt.Println("  WARN: signal is nearly silent; check the input volume")
	}
	fmt.Println("  PASS: microphone capture works")
	return true
}

func checkMixer(bin string) bool {
	fmt.Println()
	fmt.Println("[3/5] Mixer")

	path, err := exec.LookPath(bin)
	if err != nil {
		fmt.Printf("  FAIL: %s not found in PATH\n", bin)
		fmt.Println("  The final mixdown and chunk encoding need it installed.")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		fmt.Printf("  FAIL: %s -version: %v\n", bin, err)
		return false
	}
	first := strings.SplitN(string(out), "\n", 2)[0]
	fmt.Printf("  %s\n", strings.TrimSpace(first))
	fmt.Printf("  PASS: mixer at %s\n", path)
	return true
}

func checkStorage(cfg *config.Config) bool {
	fmt.Println()
	fmt.Println("[4/5] Storage")

	ok := true
	if err := os.MkdirAll(cfg.RecordingDir, 0755); err != nil {
		fmt.Printf("  FAIL: recording dir %s: %v\n", cfg.RecordingDir, err)
		ok = false
	} else {
		probe, err := os.CreateTemp(cfg.RecordingDir, ".doctor-*")
		if err != nil {
			fmt.Printf("  FAIL: recording dir %s not writable: %v\n", cfg.RecordingDir, err)
			ok = false
		} else {
			probe.Close()
			os.Remove(probe.Name())
			fmt.Printf("  recording dir: %s\n", cfg.RecordingDir)
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.MeetingsPath), 0755); err != nil {
		fmt.Printf("  FAIL: meetings dir: %v\n", err)
		ok = false
	} else if _, err := meeting.NewFileStore(cfg.MeetingsPath).List(); err != nil {
		fmt.Printf("  FAIL: meetings store %s: %v\n", cfg.MeetingsPath, err)
		ok = false
	} else {
		fmt.Printf("  meetings store: %s\n", cfg.MeetingsPath)
	}

	if ok {
		fmt.Println("  PASS: storage writable")
	}
	return ok
}

func checkTranscriber(cfg *config.Config) bool {
	fmt.Println()
	fmt.Println("[5/5] Transcriber")

	if !cfg.TranscriberEnabled || cfg.TranscriberCmd == "" {
		fmt.Println("  SKIP: not configured")
		return true
	}

	argv := strings.Fields(cfg.TranscriberCmd)
	bin := argv[0]
	if strings.ContainsRune(bin, os.PathSeparator) {
		if _, err := os.Stat(bin); err != nil {
			fmt.Printf("  FAIL: %v\n", err)
			return false
		}
	} else if _, err := exec.LookPath(bin); err != nil {
		fmt.Printf("  FAIL: %s not found in PATH\n", bin)
		return false
	}

	fmt.Printf("  PASS: sidecar command resolves (%s)\n", bin)
	return true
}

func recordAudio(actx audio.Context, device *audio.DeviceInfo, stop <-chan struct{}) ([]byte, error) {
	var pcmBuf []byte
	var bufMu sync.Mutex
	var stopped bool
	done := make(chan struct{})

	cfg := audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	}

	captureDevice, err := actx.NewCapture(device, cfg)
	if err != nil {
		return nil, err
	}

	captureDevice.SetCallback(func(data []byte, frameCount uint32) {
		bufMu.Lock()
		if stopped {
			bufMu.Unlock()
			return
		}
		pcmBuf = append(pcmBuf, data...)
		bufMu.Unlock()
	})

	if err := captureDevice.Start(); err != nil {
		captureDevice.Close()
		return nil, err
	}

	fmt.Print("  Recording")
	ticker := time.NewTicker(500 * time.Millisecond)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	<-stop
	close(done)

	captureDevice.Stop()
	bufMu.Lock()
	stopped = true
	out := pcmBuf
	bufMu.Unlock()
	captureDevice.Close()
	fmt.Println()

	return out, nil
}

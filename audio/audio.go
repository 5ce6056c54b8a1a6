package audio

import "strings"

const WAVHeaderSize = 44

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
	// Gain is a linear input gain where 1.0 is unity; 0 means unset and is
	// treated as unity. Values above 1.0 are clamped per sample.
	Gain float64
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
	// Loopback marks a system-audio source (PulseAudio monitor, WASAPI
	// loopback target) rather than a physical input.
	Loopback bool
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	// SystemSource resolves the first available system-audio source, or an
	// error when the platform offers none.
	SystemSource() (*DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
}

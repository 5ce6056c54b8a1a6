package capture

import (
	"scribe/audio"
	"scribe/encoder"
	"scribe/log"
	"scribe/protocol"
)

// CheckPermissions opens and immediately closes a mic capture (and resolves
// a system source unless audioOnly) to report PERMISSIONS_STATUS. It always
// emits exactly one status event.
func (e *Engine) CheckPermissions(audioOnly bool) {
	mic := e.probeMic()
	system := protocol.PermUnknown
	if !audioOnly {
		system = e.probeSystem()
	}
	e.out.Permissions(mic, system)
}

func (e *Engine) probeMic() string {
	dev, err := e.pickMic()
	if err != nil {
		log.Warnf("mic probe: %v", err)
		if isPermissionErr(err) {
			return protocol.PermDenied
		}
		return protocol.PermUnknown
	}
	return e.probeOpen(dev)
}

func (e *Engine) probeSystem() string {
	src, err := e.actx.SystemSource()
	if err != nil {
		log.Warnf("system probe: %v", err)
		if isPermissionErr(err) {
			return protocol.PermDenied
		}
		return protocol.PermUnknown
	}
	return e.probeOpen(src)
}

// probeOpen verifies capture actually starts on the device, not just that it
// enumerates.
func (e *Engine) probeOpen(dev *audio.DeviceInfo) string {
	cfg := audio.CaptureConfig{SampleRate: encoder.SampleRate, Channels: encoder.Channels}
	c, err := e.actx.NewCapture(dev, cfg)
	if err != nil {
		if isPermissionErr(err) {
			return protocol.PermDenied
		}
		return protocol.PermUnknown
	}
	defer c.Close()
	if err := c.Start(); err != nil {
		if isPermissionErr(err) {
			return protocol.PermDenied
		}
		return protocol.PermUnknown
	}
	c.Stop()
	return protocol.PermGranted
}

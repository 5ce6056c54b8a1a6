// Package protocol defines the line-oriented status protocol spoken by the
// capture engine on stdout: one JSON object per line where possible, plain
// log lines otherwise. The supervisor normalizes both into Event.
package protocol

type Code string

const (
	Started           Code = "RECORDING_STARTED"
	Stopped           Code = "RECORDING_STOPPED"
	StartError        Code = "RECORDING_ERROR"
	Failed            Code = "RECORDING_FAILED"
	BluetoothFailure  Code = "COMBINED_RECORDING_FAILED_BLUETOOTH"
	PermissionFailure Code = "COMBINED_RECORDING_FAILED_PERMISSION"
	SystemFailure     Code = "COMBINED_RECORDING_FAILED_SYSTEM"
	PermissionsStatus Code = "PERMISSIONS_STATUS"
	Chunk             Code = "RECORDING_CHUNK"
)

// Permission values carried by PERMISSIONS_STATUS.
const (
	PermGranted = "granted"
	PermDenied  = "denied"
	PermUnknown = "unknown"
)

// StartupFailure reports whether c is a failure code that is only valid
// before RECORDING_STARTED.
func (c Code) StartupFailure() bool {
	switch c {
	case StartError, BluetoothFailure, PermissionFailure, SystemFailure:
		return true
	}
	return false
}

// Kind classifies one line of engine output. Status means a structured JSON
// event with a known code; the *Hint kinds come from free-text fallback
// matching; Noise is everything else.
type Kind int

const (
	Noise Kind = iota
	Status
	MicStartedHint
	SystemStartedHint
	AudioOnlyHint
)

func (k Kind) String() string {
	switch k {
	case Status:
		return "status"
	case MicStartedHint:
		return "mic_started_hint"
	case SystemStartedHint:
		return "system_started_hint"
	case AudioOnlyHint:
		return "audio_only_hint"
	default:
		return "noise"
	}
}

// Event is the normalized form of one engine output line. Only the fields
// relevant to the Code are set; Line always carries the raw text.
type Event struct {
	Code           Code   `json:"code"`
	Path           string `json:"path,omitempty"`
	Err            string `json:"error,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`

	// PERMISSIONS_STATUS
	Microphone  string `json:"microphone,omitempty"`
	SystemAudio string `json:"systemAudio,omitempty"`

	// RECORDING_CHUNK
	Seq       int   `json:"seq,omitempty"`
	StartMs   int64 `json:"startMs,omitempty"`
	EndMs     int64 `json:"endMs,omitempty"`
	SizeBytes int64 `json:"sizeBytes,omitempty"`

	Kind Kind   `json:"-"`
	Line string `json:"-"`
}

package protocol

import (
	"encoding/json"
	"strings"
)

// Free-text fallbacks for engines that log progress before (or instead of)
// emitting structured events. The wording is an allow-list pinned by tests;
// when engine wording changes, this table is the single place to update.
// Ordered, first match wins, matched case-insensitively.
var hintsV1 = []struct {
	needle string
	kind   Kind
}{
	{"audio-only mode enabled", AudioOnlyHint},
	{"microphone recording started", MicStartedHint},
	{"system audio recording started", SystemStartedHint},
}

var knownCodes = map[Code]bool{
	Started:           true,
	Stopped:           true,
	StartError:        true,
	Failed:            true,
	BluetoothFailure:  true,
	PermissionFailure: true,
	SystemFailure:     true,
	PermissionsStatus: true,
	Chunk:             true,
}

// Classify normalizes one raw output line into an Event. Structured JSON
// decode is attempted first; a decoded object with an unknown code is noise,
// not an error. Lines that fail decode fall through to hint matching.
func Classify(line string) Event {
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, "{") {
		var ev Event
		if err := json.Unmarshal([]byte(trimmed), &ev); err == nil {
			if knownCodes[ev.Code] {
				ev.Kind = Status
				ev.Line = line
				return ev
			}
			return Event{Kind: Noise, Line: line}
		}
	}

	lower := strings.ToLower(trimmed)
	for _, h := range hintsV1 {
		if strings.Contains(lower, h.needle) {
			return Event{Kind: h.kind, Line: line}
		}
	}

	return Event{Kind: Noise, Line: line}
}

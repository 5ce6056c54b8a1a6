package supervisor

import (
	"fmt"
	"time"
)

// startupWatch decides when a starting engine is considered hung. All state
// lives in the spawn and last-output timestamps; Check is called on a ticker
// and there are no timers to re-arm when output resumes.
type startupWatch struct {
	spawnedAt time.Time
	noOutput  time.Duration
	stall     time.Duration
	startup   time.Duration
}

// Check returns a Failure when the engine has to be given up on, nil while
// startup may still succeed. lastOut is zero until the first output byte.
func (w *startupWatch) Check(lastOut, now time.Time) *Failure {
	if lastOut.IsZero() {
		if now.Sub(w.spawnedAt) >= w.noOutput {
			return &Failure{
				Cause:    "no output",
				Err:      fmt.Sprintf("capture engine produced no output within %s of spawn", w.noOutput),
				Solution: "check that the engine binary is runnable and audio services are up",
			}
		}
	} else if now.Sub(lastOut) >= w.stall {
		return &Failure{
			Cause:    "stalled during initialization",
			Err:      fmt.Sprintf("capture engine output stalled for %s before start", now.Sub(lastOut).Round(time.Second)),
			Solution: "switch audio devices or restart the audio service",
		}
	}
	if now.Sub(w.spawnedAt) >= w.startup {
		return &Failure{
			Cause: "startup timeout",
			Err:   fmt.Sprintf("capture engine did not report started within %s", w.startup),
		}
	}
	return nil
}

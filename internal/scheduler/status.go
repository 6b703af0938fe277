package scheduler

import (
	"sync"
	"time"

	"github.com/autopilotd/autopilot/internal/types"
)

// AutopilotStatus collects the process-wide mutable state: the
// emergency_pause flag, the autopilot pause
// interval, and the canary_emergency_stop flag, held in a single
// object owned by the Scheduler so every mutation goes through a
// controlled method.
type AutopilotStatus struct {
	mu sync.RWMutex

	emergencyPause bool
	pauseUntil     time.Time
	pauseReason    string

	canaryEmergencyStop bool

	clock types.Clock
}

// NewAutopilotStatus creates a status object with no active pause.
func NewAutopilotStatus(clock types.Clock) *AutopilotStatus {
	return &AutopilotStatus{clock: clock}
}

// Pause extends the autopilot pause window. Overlapping pauses take the
// maximum end-time; it never shortens an
// existing pause.
func (s *AutopilotStatus) Pause(duration time.Duration, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until := s.clock.NowUTC().Add(duration)
	if until.After(s.pauseUntil) {
		s.pauseUntil = until
		s.pauseReason = reason
	}
}

// Resume clears any active timed pause. It does not clear emergency_pause;
// callers must call SetEmergencyPause(false) separately.
func (s *AutopilotStatus) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseUntil = time.Time{}
	s.pauseReason = ""
}

// SetEmergencyPause sets or clears the operator-controlled hard stop.
func (s *AutopilotStatus) SetEmergencyPause(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergencyPause = v
}

// IsPaused reports whether the autopilot is currently blocked from
// starting a new cycle, and why.
func (s *AutopilotStatus) IsPaused() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.emergencyPause {
		return true, "emergency_pause"
	}
	if !s.pauseUntil.IsZero() && s.clock.NowUTC().Before(s.pauseUntil) {
		return true, s.pauseReason
	}
	return false, ""
}

// PauseUntil returns the current pause deadline, zero if none is active.
func (s *AutopilotStatus) PauseUntil() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pauseUntil
}

// SetCanaryEmergencyStop sets or clears the flag the Canary Deployer polls
// mid-run.
func (s *AutopilotStatus) SetCanaryEmergencyStop(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canaryEmergencyStop = v
}

// CanaryEmergencyStop reports the current value of the flag; it satisfies
// canary.EmergencyStopFunc when used as a method value.
func (s *AutopilotStatus) CanaryEmergencyStop() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canaryEmergencyStop
}

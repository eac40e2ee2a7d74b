package pickup

import (
	"math"
	"time"
)

// Phase is the active pickup state.
type Phase string

// Phases of the pickup behaviour.
const (
	Idle           Phase = "idle"
	Searching      Phase = "searching"
	Tracking       Phase = "tracking"
	Approaching    Phase = "approaching"
	BackingUp      Phase = "backing_up"
	RotatingSearch Phase = "rotating_search"
	Completed      Phase = "completed"
)

type command int

const (
	cmdNone command = iota
	cmdStop
	cmdTrack
	cmdForward
	cmdBackward
	cmdSearch
)

func (c command) String() string {
	switch c {
	case cmdStop:
		return "stop"
	case cmdTrack:
		return "track"
	case cmdForward:
		return "forward"
	case cmdBackward:
		return "backward"
	case cmdSearch:
		return "search"
	default:
		return "none"
	}
}

// moving reports whether the phase commands motion, so a failed command must degrade it.
func (p Phase) moving() bool {
	switch p {
	case Tracking, Approaching, BackingUp, RotatingSearch:
		return true
	default:
		return false
	}
}

// history is the debounce window: the most recent per-frame presence flags, oldest first.
type history []bool

func (h history) push(present bool, n int) history {
	h = append(h, present)
	if len(h) > n {
		h = h[len(h)-n:]
	}
	return h
}

// consecutive reports whether the last n frames all equal present.
func (h history) consecutive(present bool, n int) bool {
	if len(h) < n {
		return false
	}
	for _, v := range h[len(h)-n:] {
		if v != present {
			return false
		}
	}
	return true
}

// phaseState is the machine's state with its associated data.
type phaseState struct {
	Phase   Phase
	Entered time.Time
	History history
	// Rotated is the estimated angle turned in RotatingSearch, radians.
	Rotated float64
}

func enter(phase Phase, now time.Time) phaseState {
	return phaseState{Phase: phase, Entered: now}
}

type observation struct {
	Now      time.Time
	Present  bool
	Centered bool
}

// Transition records one state change.
type Transition struct {
	From   Phase  `json:"from"`
	To     Phase  `json:"to"`
	Reason string `json:"reason"`
}

// step consumes one frame's observation. A transition into Tracking is evaluated again on the
// same observation so a target that is already centered moves straight on to Approaching.
func step(s phaseState, obs observation, p Parameters) (phaseState, command, []Transition) {
	var transitions []Transition
	for {
		next, cmd, reason := advance(s, obs, p)
		if next.Phase == s.Phase {
			return next, cmd, transitions
		}
		transitions = append(transitions, Transition{From: s.Phase, To: next.Phase, Reason: reason})
		if next.Phase != Tracking {
			return next, cmd, transitions
		}
		s = next
	}
}

// advance makes at most one transition. When the phase changes the returned state is freshly
// entered and reason says why.
func advance(s phaseState, obs observation, params Parameters) (phaseState, command, string) {
	p := params.Pickup
	n := p.RequiredConsecutiveFrames
	elapsed := obs.Now.Sub(s.Entered)

	switch s.Phase {
	case Idle:
		return s, cmdNone, ""

	case Searching:
		s.History = s.History.push(obs.Present, n)
		if s.History.consecutive(true, n) {
			return enter(Tracking, obs.Now), cmdTrack, "ball confirmed"
		}
		return s, cmdStop, ""

	case Tracking:
		if elapsed >= seconds(p.TrackingTimeout) {
			return enter(Searching, obs.Now), cmdStop, "tracking timed out"
		}
		s.History = s.History.push(obs.Present, n)
		if obs.Present && obs.Centered {
			return enter(Approaching, obs.Now), cmdForward, "ball centered"
		}
		if s.History.consecutive(false, n) {
			return enter(Searching, obs.Now), cmdStop, "ball lost"
		}
		if obs.Present {
			return s, cmdTrack, ""
		}
		return s, cmdStop, ""

	case Approaching:
		if elapsed >= seconds(p.ApproachTimeout) {
			return enter(Searching, obs.Now), cmdStop, "approach timed out"
		}
		s.History = s.History.push(obs.Present, n)
		if s.History.consecutive(false, n) {
			return enter(BackingUp, obs.Now), cmdBackward, "ball picked up"
		}
		return s, cmdForward, ""

	case BackingUp:
		if elapsed >= seconds(p.BackupDuration) {
			return enter(RotatingSearch, obs.Now), cmdSearch, "backup finished"
		}
		return s, cmdBackward, ""

	case RotatingSearch:
		s.History = s.History.push(obs.Present, n)
		if s.History.consecutive(true, n) {
			return enter(Tracking, obs.Now), cmdTrack, "ball confirmed"
		}
		s.Rotated += params.Servo.SearchAngularSpeed * p.AssumedCyclePeriod
		if s.Rotated >= 2*math.Pi {
			return enter(Completed, obs.Now), cmdStop, "full turn without a ball"
		}
		if elapsed >= seconds(p.RotatingSearchTimeout) {
			return enter(Completed, obs.Now), cmdStop, "rotating search timed out"
		}
		return s, cmdSearch, ""

	case Completed:
		return s, cmdStop, ""
	}
	return s, cmdNone, ""
}

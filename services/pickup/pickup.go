// Package pickup sequences searching for, centering on, driving over and backing away from
// balls. One call to Process is made per vision frame.
package pickup

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/courtbot/ballbot/events"
	"github.com/courtbot/ballbot/logging"
	"github.com/courtbot/ballbot/services/visualservo"
	"github.com/courtbot/ballbot/vision/objectdetection"
)

// ErrNotEnabled is returned by Restart while pickup mode is off.
var ErrNotEnabled = errors.New("pickup mode is not enabled")

// Stats are cumulative counters since start or the last ResetStatistics.
type Stats struct {
	TotalDetections    int     `json:"total_detections"`
	SuccessfulTracks   int     `json:"successful_tracks"`
	CenterHits         int     `json:"center_hits"`
	LastTargetDistance float64 `json:"last_target_distance"`
	BallsCollected     int     `json:"balls_collected"`
	SearchesCompleted  int     `json:"searches_completed"`
}

// Status is a point-in-time view of the machine.
type Status struct {
	Enabled bool  `json:"enabled"`
	State   Phase `json:"state"`
	// StateDuration is the time spent in State, in seconds.
	StateDuration float64 `json:"state_duration"`
	// RotatedEstimate is the angle RotatingSearch believes it has turned, radians.
	RotatedEstimate float64    `json:"rotated_estimate"`
	Stats           Stats      `json:"stats"`
	Parameters      Parameters `json:"parameters"`
}

// ModeChange is the payload of pickup_mode events.
type ModeChange struct {
	Enabled bool   `json:"enabled"`
	State   Phase  `json:"state"`
	Message string `json:"message"`
}

// TrackingUpdate is the payload of ball_tracking events.
type TrackingUpdate struct {
	Target  visualservo.Target  `json:"target"`
	Control visualservo.Control `json:"control"`
	Stats   Stats               `json:"stats"`
}

// Centered is the payload of ball_centered events.
type Centered struct {
	Center   r2.Point `json:"center"`
	Distance float64  `json:"distance"`
	Message  string   `json:"message"`
}

// NoBall is the payload of no_ball events.
type NoBall struct {
	Message string  `json:"message"`
	Timeout float64 `json:"timeout"`
}

// Machine is the pickup state machine. Its methods are safe for concurrent use; Process
// holds the machine lock while it commands the base so an emergency stop is never overtaken
// by an in-flight frame.
type Machine struct {
	servo  *visualservo.Controller
	logger logging.Logger
	pub    events.Publisher
	clock  clock.Clock

	mu            sync.Mutex
	enabled       bool
	state         phaseState
	pickup        Params
	stats         Stats
	lastDetection time.Time
	centeredShown bool
	noBallShown   bool
	// errLog paces motion failure reports, on the machine clock.
	errLog     *rate.Limiter
	suppressed int
}

// NewMachine returns an Idle, disabled machine driving servo.
func NewMachine(
	servo *visualservo.Controller,
	params Params,
	logger logging.Logger,
	pub events.Publisher,
	clk clock.Clock,
) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &Machine{
		servo:         servo,
		logger:        logger,
		pub:           events.Or(pub),
		clock:         clk,
		state:         enter(Idle, now),
		pickup:        params.Clamped(),
		lastDetection: now,
		errLog:        rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

func (m *Machine) parameters() Parameters {
	return Parameters{Servo: m.servo.Parameters(), Pickup: m.pickup}
}

// Process consumes one frame of detections. It does nothing while disabled or Idle. Motion
// errors are logged and published; a failed command in a moving state falls back to Searching.
func (m *Machine) Process(ctx context.Context, dets []objectdetection.Detection, width, height int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled || m.state.Phase == Idle {
		return
	}

	m.servo.SetFrameSize(width, height)
	now := m.clock.Now()
	targets := m.servo.Targets(dets)
	target, present := m.servo.Select(targets)
	centered := present && m.servo.IsCentered(target)
	m.observe(now, targets, target, present, centered)

	next, cmd, transitions := step(m.state, observation{Now: now, Present: present, Centered: centered}, m.parameters())
	m.state = next
	for _, tr := range transitions {
		m.entered(tr)
	}

	if err := m.execute(ctx, cmd, target, present); err != nil {
		m.reportMotionError(now, cmd, err)
		if m.state.Phase.moving() {
			m.transition(Searching, now, "motion command failed")
			if err := m.servo.Stop(ctx); err != nil {
				m.logger.Debugw("stop after failed command also failed", "error", err)
			}
		}
	}
}

// reportMotionError logs and publishes err at most once per limiter period. A base that is
// not running fails every frame.
func (m *Machine) reportMotionError(now time.Time, cmd command, err error) {
	if !m.errLog.AllowN(now, 1) {
		m.suppressed++
		return
	}
	m.logger.Warnw("pickup motion command failed",
		"state", m.state.Phase, "command", cmd, "error", err, "suppressed", m.suppressed)
	m.suppressed = 0
	m.pub.Publish(events.KindError, events.Message{Source: "pickup", Message: err.Error()})
}

// observe updates statistics and the one-shot centered and no-ball notifications.
func (m *Machine) observe(now time.Time, targets []visualservo.Target, target visualservo.Target, present, centered bool) {
	if !present {
		m.centeredShown = false
		timeout := m.pickup.DetectionTimeout
		if !m.noBallShown && now.Sub(m.lastDetection) > seconds(timeout) {
			m.noBallShown = true
			m.pub.Publish(events.KindNoBall, NoBall{Message: "no ball detected", Timeout: timeout})
		}
		return
	}

	m.lastDetection = now
	m.noBallShown = false
	m.stats.TotalDetections += len(targets)
	m.stats.SuccessfulTracks++
	m.stats.LastTargetDistance = target.DistanceToCenter
	if !centered {
		m.centeredShown = false
		return
	}
	m.stats.CenterHits++
	if !m.centeredShown {
		m.centeredShown = true
		m.pub.Publish(events.KindBallCentered, Centered{
			Center:   target.Center,
			Distance: target.DistanceToCenter,
			Message:  "ball is centered",
		})
	}
}

func (m *Machine) execute(ctx context.Context, cmd command, target visualservo.Target, present bool) error {
	switch cmd {
	case cmdNone:
		return nil
	case cmdStop:
		return m.servo.Stop(ctx)
	case cmdTrack:
		if !present {
			return m.servo.Stop(ctx)
		}
		out := m.servo.ComputeControl(target)
		if err := m.servo.Rotate(ctx, out.AngularVelocity); err != nil {
			return err
		}
		m.pub.Publish(events.KindBallTracking, TrackingUpdate{Target: target, Control: out, Stats: m.stats})
		return nil
	case cmdForward:
		return m.servo.Forward(ctx)
	case cmdBackward:
		return m.servo.Backward(ctx)
	case cmdSearch:
		return m.servo.SearchRotate(ctx)
	}
	return errors.Errorf("unknown pickup command %d", cmd)
}

// transition moves to phase outside of a Process step.
func (m *Machine) transition(phase Phase, now time.Time, reason string) {
	from := m.state.Phase
	m.state = enter(phase, now)
	if from != phase {
		m.entered(Transition{From: from, To: phase, Reason: reason})
	}
}

// entered runs the entry side effects of tr.To.
func (m *Machine) entered(tr Transition) {
	switch tr.To {
	case Tracking:
		m.servo.ResetPID()
	case BackingUp:
		m.stats.BallsCollected++
	case Completed:
		m.stats.SearchesCompleted++
	}
	m.logger.Infow("pickup state changed", "from", tr.From, "to", tr.To, "reason", tr.Reason)
	m.pub.Publish(events.KindPickupState, tr)
}

func (m *Machine) modeChanged(message string) {
	m.pub.Publish(events.KindPickupMode, ModeChange{Enabled: m.enabled, State: m.state.Phase, Message: message})
}

// Enable turns pickup mode on and starts Searching. Enabling twice is a no-op.
func (m *Machine) Enable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		return nil
	}
	now := m.clock.Now()
	m.enabled = true
	m.lastDetection = now
	m.centeredShown = false
	m.noBallShown = false
	m.servo.ResetPID()
	m.transition(Searching, now, "pickup enabled")
	m.modeChanged("pickup mode enabled")
	return nil
}

// Disable turns pickup mode off, returns to Idle and stops the base.
func (m *Machine) Disable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disable(ctx, "pickup disabled", "pickup mode disabled")
}

func (m *Machine) disable(ctx context.Context, reason, message string) error {
	wasEnabled := m.enabled
	m.enabled = false
	m.transition(Idle, m.clock.Now(), reason)
	err := m.servo.Stop(ctx)
	if wasEnabled {
		m.modeChanged(message)
	}
	return err
}

// Toggle flips pickup mode and returns the resulting status.
func (m *Machine) Toggle(ctx context.Context) (Status, error) {
	m.mu.Lock()
	enabled := m.enabled
	m.mu.Unlock()

	var err error
	if enabled {
		err = m.Disable(ctx)
	} else {
		err = m.Enable(ctx)
	}
	return m.Status(), err
}

// EmergencyStop forces Idle, disables pickup mode and commands zero velocity, whatever the
// current state. The state change happens even if the stop command fails.
func (m *Machine) EmergencyStop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Warn("pickup emergency stop")
	return m.disable(ctx, "emergency stop", "emergency stop")
}

// Restart begins a new search, typically from Completed.
func (m *Machine) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return ErrNotEnabled
	}
	m.servo.ResetPID()
	m.transition(Searching, m.clock.Now(), "restart")
	return m.servo.Stop(ctx)
}

// Status returns the current state, statistics and parameters.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Enabled:         m.enabled,
		State:           m.state.Phase,
		StateDuration:   m.clock.Since(m.state.Entered).Seconds(),
		RotatedEstimate: m.state.Rotated,
		Stats:           m.stats,
		Parameters:      m.parameters(),
	}
}

// State returns the active phase.
func (m *Machine) State() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase
}

// Parameters returns the current servo and pickup tunables.
func (m *Machine) Parameters() Parameters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parameters()
}

// UpdateParameters clamps and applies p and returns what was applied. The debounce history of
// the current state is kept; a shorter window simply looks at fewer frames.
func (m *Machine) UpdateParameters(p Parameters) Parameters {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pickup = p.Pickup.Clamped()
	m.servo.UpdateParameters(p.Servo)
	applied := m.parameters()
	m.logger.Infow("pickup parameters updated", "pickup", applied.Pickup)
	return applied
}

// ResetStatistics zeroes the counters.
func (m *Machine) ResetStatistics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{}
}

// Close disables the machine and stops the base.
func (m *Machine) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled && m.state.Phase == Idle {
		return nil
	}
	return m.disable(ctx, "shutdown", "pickup mode disabled on shutdown")
}

// Package control contains the feedback controllers used by the visual servo.
package control

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
)

// DefaultIntegralLimit bounds the accumulated error to prevent windup.
const DefaultIntegralLimit = 100.0

// fallbackDt is used when the clock has not advanced between two updates.
const fallbackDt = 0.01

// Gains are the PID coefficients.
type Gains struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// PIDConfig configures a PID.
type PIDConfig struct {
	Gains
	// IntegralLimit bounds the integral of the error, not the integral term. Zero means
	// DefaultIntegralLimit.
	IntegralLimit float64
	// OutputLimit bounds the output symmetrically. Zero means unbounded.
	OutputLimit float64
}

// PID is a discrete PID controller whose time step is taken from a clock. It is safe for
// concurrent use.
type PID struct {
	mu    sync.Mutex
	cfg   PIDConfig
	clock clock.Clock

	integral   float64
	prevError  float64
	lastUpdate time.Time
	// primed is false until the first update after a reset, which has no derivative.
	primed bool
}

// NewPID returns a reset PID. A nil clock uses wall time.
func NewPID(cfg PIDConfig, clk clock.Clock) *PID {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.IntegralLimit <= 0 {
		cfg.IntegralLimit = DefaultIntegralLimit
	}
	p := &PID{cfg: cfg, clock: clk}
	p.reset()
	return p
}

// Next returns the control output for err, using the time since the previous call or reset.
// The first call after a reset contributes no derivative term.
func (p *PID) Next(err float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	dt := now.Sub(p.lastUpdate).Seconds()
	if dt <= 0 {
		dt = fallbackDt
	}
	p.lastUpdate = now

	p.integral = lo.Clamp(p.integral+err*dt, -p.cfg.IntegralLimit, p.cfg.IntegralLimit)
	var derivative float64
	if p.primed {
		derivative = (err - p.prevError) / dt
	}
	p.prevError = err
	p.primed = true

	out := p.cfg.Kp*err + p.cfg.Ki*p.integral + p.cfg.Kd*derivative
	if p.cfg.OutputLimit > 0 {
		out = lo.Clamp(out, -p.cfg.OutputLimit, p.cfg.OutputLimit)
	}
	return out
}

func (p *PID) reset() {
	p.integral = 0
	p.prevError = 0
	p.primed = false
	p.lastUpdate = p.clock.Now()
}

// Reset clears the integral and derivative history.
func (p *PID) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

// Configure replaces the gains and limits and resets the controller.
func (p *PID) Configure(cfg PIDConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.IntegralLimit <= 0 {
		cfg.IntegralLimit = DefaultIntegralLimit
	}
	p.cfg = cfg
	p.reset()
}

// Config returns the current configuration.
func (p *PID) Config() PIDConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Integral returns the accumulated error.
func (p *PID) Integral() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.integral
}

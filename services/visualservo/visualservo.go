// Package visualservo turns detections into a single target and a turn rate that brings the
// target to the horizontal center of the frame.
package visualservo

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/samber/lo"

	"github.com/courtbot/ballbot/components/base"
	"github.com/courtbot/ballbot/control"
	"github.com/courtbot/ballbot/logging"
	"github.com/courtbot/ballbot/vision/objectdetection"
)

// Default frame size until the first frame arrives.
const (
	DefaultFrameWidth  = 640
	DefaultFrameHeight = 480
)

// Target is a detection that passed filtering, with its geometry relative to the frame.
type Target struct {
	objectdetection.Detection
	Center           r2.Point `json:"center"`
	Area             float64  `json:"area"`
	DistanceToCenter float64  `json:"distance_to_center"`
}

// MarshalJSON flattens the detection and the frame geometry into one object, with the center
// as [x, y].
func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Box              [4]float64 `json:"box"`
		Score            float64    `json:"score"`
		Label            string     `json:"label,omitempty"`
		Center           [2]float64 `json:"center"`
		Area             float64    `json:"area"`
		DistanceToCenter float64    `json:"distance_to_center"`
	}{
		Box:              t.Box(),
		Score:            t.Score,
		Label:            t.Label,
		Center:           [2]float64{t.Center.X, t.Center.Y},
		Area:             t.Area,
		DistanceToCenter: t.DistanceToCenter,
	})
}

// Control is the result of one PID step.
type Control struct {
	// Error is the horizontal pixel offset of the target from the frame center.
	Error           float64 `json:"error"`
	AngularVelocity float64 `json:"angular_velocity"`
	Distance        float64 `json:"distance"`
}

// Controller owns the PID state. It is safe for concurrent use.
type Controller struct {
	base   base.Base
	logger logging.Logger

	mu     sync.Mutex
	params Params
	frame  r2.Point
	pid    *control.PID
}

// NewController returns a controller driving b. Params are clamped.
func NewController(b base.Base, params Params, logger logging.Logger, clk clock.Clock) *Controller {
	params = params.Clamped()
	return &Controller{
		base:   b,
		logger: logger,
		params: params,
		frame:  r2.Point{X: DefaultFrameWidth, Y: DefaultFrameHeight},
		pid:    control.NewPID(pidConfig(params), clk),
	}
}

func pidConfig(p Params) control.PIDConfig {
	return control.PIDConfig{
		Gains:       control.Gains{Kp: p.Kp, Ki: p.Ki, Kd: p.Kd},
		OutputLimit: p.MaxAngularSpeed,
	}
}

// SetFrameSize records the size of the frames detections come from.
func (c *Controller) SetFrameSize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame = r2.Point{X: float64(width), Y: float64(height)}
}

func (c *Controller) frameCenter() r2.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame.Mul(0.5)
}

// Filter keeps detections scoring at least minConfidence and measures them against the frame.
func (c *Controller) Filter(dets []objectdetection.Detection, minConfidence float64) []Target {
	center := c.frameCenter()
	valid := objectdetection.NewScoreFilter(minConfidence)(dets)
	return lo.Map(valid, func(d objectdetection.Detection, _ int) Target {
		dc := d.Center()
		return Target{
			Detection:        d,
			Center:           dc,
			Area:             d.Area(),
			DistanceToCenter: dc.Sub(center).Norm(),
		}
	})
}

// Targets filters with the configured minimum confidence.
func (c *Controller) Targets(dets []objectdetection.Detection) []Target {
	return c.Filter(dets, c.Parameters().MinConfidence)
}

// Select picks one target; ok is false when there are none.
func Select(targets []Target, mode SelectionMode) (target Target, ok bool) {
	if len(targets) == 0 {
		return Target{}, false
	}
	if mode == SelectNearest {
		return lo.MinBy(targets, func(a, b Target) bool {
			return a.DistanceToCenter < b.DistanceToCenter
		}), true
	}
	return lo.MaxBy(targets, func(a, b Target) bool {
		return a.Area > b.Area
	}), true
}

// Select picks one target using the configured mode.
func (c *Controller) Select(targets []Target) (Target, bool) {
	return Select(targets, c.Parameters().SelectionMode)
}

// IsCentered reports whether the target is within the center tolerance.
func (c *Controller) IsCentered(t Target) bool {
	return t.DistanceToCenter <= c.Parameters().CenterTolerance
}

// ComputeControl runs one PID step on the target's horizontal offset.
func (c *Controller) ComputeControl(t Target) Control {
	err := t.Center.X - c.frameCenter().X
	return Control{
		Error:           err,
		AngularVelocity: c.pid.Next(err),
		Distance:        t.DistanceToCenter,
	}
}

// ResetPID clears the integral and derivative history.
func (c *Controller) ResetPID() {
	c.pid.Reset()
}

// Parameters returns the current tunables.
func (c *Controller) Parameters() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// UpdateParameters clamps and applies p, resets the PID, and returns what was applied.
func (c *Controller) UpdateParameters(p Params) Params {
	p = p.Clamped()
	c.mu.Lock()
	c.params = p
	c.mu.Unlock()
	c.pid.Configure(pidConfig(p))
	c.logger.Infow("visual servo parameters updated", "params", p)
	return p
}

// Rotate turns at angularVelocity. Positive means the target is right of center, so the
// robot turns clockwise, which is negative yaw rate.
func (c *Controller) Rotate(ctx context.Context, angularVelocity float64) error {
	return c.base.SetVelocity(ctx, r3.Vector{}, r3.Vector{Z: -angularVelocity}, nil)
}

// SearchRotate turns counter-clockwise at the search speed.
func (c *Controller) SearchRotate(ctx context.Context) error {
	return c.base.SetVelocity(ctx, r3.Vector{}, r3.Vector{Z: c.Parameters().SearchAngularSpeed}, nil)
}

// Forward drives straight ahead at the forward speed.
func (c *Controller) Forward(ctx context.Context) error {
	return c.base.SetVelocity(ctx, r3.Vector{X: c.Parameters().ForwardSpeed}, r3.Vector{}, nil)
}

// Backward reverses at the forward speed.
func (c *Controller) Backward(ctx context.Context) error {
	return c.base.SetVelocity(ctx, r3.Vector{X: -c.Parameters().ForwardSpeed}, r3.Vector{}, nil)
}

// Stop commands zero velocity.
func (c *Controller) Stop(ctx context.Context) error {
	return c.base.Stop(ctx, nil)
}

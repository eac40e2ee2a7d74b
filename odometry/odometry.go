// Package odometry dead-reckons a planar pose from measured body velocities.
package odometry

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/courtbot/ballbot/spatialmath"
)

// Scales are per-axis corrections applied to measured velocities before integrating.
// Wheels usually turn one way better than the other, so yaw has a scale per direction.
type Scales struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ZPositive float64 `json:"z_positive"`
	ZNegative float64 `json:"z_negative"`
}

// DefaultScales leaves velocities untouched.
func DefaultScales() Scales {
	return Scales{X: 1, Y: 1, ZPositive: 1, ZNegative: 1}
}

// Apply corrects v, a body velocity whose Z is the yaw rate.
func (s Scales) Apply(v r3.Vector) r3.Vector {
	z := v.Z * s.ZPositive
	if v.Z < 0 {
		z = v.Z * s.ZNegative
	}
	return r3.Vector{X: v.X * s.X, Y: v.Y * s.Y, Z: z}
}

// Pose is a position in meters and heading in radians, relative to where odometry was last reset.
type Pose struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

// Integrator accumulates a Pose. It is safe for concurrent use.
type Integrator struct {
	mu     sync.Mutex
	scales Scales
	clock  clock.Clock

	pose     Pose
	lastStep time.Time
	hasLast  bool
}

// NewIntegrator returns an Integrator at the origin.
func NewIntegrator(scales Scales, clk clock.Clock) *Integrator {
	if clk == nil {
		clk = clock.New()
	}
	return &Integrator{scales: scales, clock: clk}
}

// Step integrates v over the time elapsed since the previous Step. The first Step after
// construction or Reset only records the time.
func (i *Integrator) Step(v r3.Vector) Pose {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.clock.Now()
	if !i.hasLast {
		i.lastStep = now
		i.hasLast = true
		return i.pose
	}
	dt := now.Sub(i.lastStep).Seconds()
	i.lastStep = now
	i.integrate(v, dt)
	return i.pose
}

// Integrate advances the pose by v over dt seconds, bypassing the clock.
func (i *Integrator) Integrate(v r3.Vector, dt float64) Pose {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.integrate(v, dt)
	return i.pose
}

// integrate rotates body velocity into the world frame by the heading held before this step.
func (i *Integrator) integrate(v r3.Vector, dt float64) {
	if dt <= 0 {
		return
	}
	v = i.scales.Apply(v)
	sin, cos := math.Sincos(i.pose.Yaw)
	i.pose.X += (v.X*cos - v.Y*sin) * dt
	i.pose.Y += (v.X*sin + v.Y*cos) * dt
	i.pose.Yaw += v.Z * dt
}

// Pose returns the current pose.
func (i *Integrator) Pose() Pose {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pose
}

// YawQuaternion returns the heading as a rotation about Z. It is independent of the AHRS.
func (i *Integrator) YawQuaternion() quat.Number {
	return spatialmath.YawQuaternion(i.Pose().Yaw)
}

// setPose overwrites the pose, keeping the step timestamp.
func (i *Integrator) setPose(p Pose) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pose = p
}

// Reset zeroes the pose and forgets the last step time.
func (i *Integrator) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pose = Pose{}
	i.lastStep = time.Time{}
	i.hasLast = false
}

package odometry

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestScales(t *testing.T) {
	s := Scales{X: 2, Y: 0.5, ZPositive: 1.1, ZNegative: 0.9}
	test.That(t, s.Apply(r3.Vector{X: 1, Y: 1, Z: 1}), test.ShouldResemble, r3.Vector{X: 2, Y: 0.5, Z: 1.1})
	v := s.Apply(r3.Vector{Z: -1})
	test.That(t, v.Z, test.ShouldAlmostEqual, -0.9)
	test.That(t, DefaultScales().Apply(r3.Vector{X: 0.3, Y: -0.2, Z: -0.7}), test.ShouldResemble, r3.Vector{X: 0.3, Y: -0.2, Z: -0.7})
}

func TestIntegrate(t *testing.T) {
	t.Run("straight ahead at yaw 0", func(t *testing.T) {
		i := NewIntegrator(DefaultScales(), nil)
		p := i.Integrate(r3.Vector{X: 1}, 1)
		test.That(t, p.X, test.ShouldAlmostEqual, 1.0)
		test.That(t, p.Y, test.ShouldAlmostEqual, 0.0)
		test.That(t, p.Yaw, test.ShouldAlmostEqual, 0.0)
	})

	t.Run("straight ahead at yaw pi/2", func(t *testing.T) {
		i := NewIntegrator(DefaultScales(), nil)
		i.setPose(Pose{Yaw: math.Pi / 2})
		p := i.Integrate(r3.Vector{X: 1}, 1)
		test.That(t, p.X, test.ShouldAlmostEqual, 0.0)
		test.That(t, p.Y, test.ShouldAlmostEqual, 1.0)
	})

	t.Run("uses the heading from before the step", func(t *testing.T) {
		i := NewIntegrator(DefaultScales(), nil)
		p := i.Integrate(r3.Vector{X: 1, Z: math.Pi / 2}, 1)
		test.That(t, p.X, test.ShouldAlmostEqual, 1.0)
		test.That(t, p.Y, test.ShouldAlmostEqual, 0.0)
		test.That(t, p.Yaw, test.ShouldAlmostEqual, math.Pi/2)
	})

	t.Run("lateral velocity", func(t *testing.T) {
		i := NewIntegrator(DefaultScales(), nil)
		p := i.Integrate(r3.Vector{Y: 0.5}, 2)
		test.That(t, p.X, test.ShouldAlmostEqual, 0.0)
		test.That(t, p.Y, test.ShouldAlmostEqual, 1.0)
	})

	t.Run("applies asymmetric yaw scales", func(t *testing.T) {
		i := NewIntegrator(Scales{X: 1, Y: 1, ZPositive: 1, ZNegative: 0.5}, nil)
		p := i.Integrate(r3.Vector{Z: -1}, 1)
		test.That(t, p.Yaw, test.ShouldAlmostEqual, -0.5)
	})
}

func TestZeroVelocityIsIdempotent(t *testing.T) {
	mock := clock.NewMock()
	i := NewIntegrator(DefaultScales(), mock)
	i.setPose(Pose{X: 1.5, Y: -2, Yaw: 0.7})
	for n := 0; n < 50; n++ {
		i.Step(r3.Vector{})
		mock.Add(time.Duration(n+1) * 37 * time.Millisecond)
	}
	test.That(t, i.Pose(), test.ShouldResemble, Pose{X: 1.5, Y: -2, Yaw: 0.7})
}

func TestStepUsesElapsedTime(t *testing.T) {
	mock := clock.NewMock()
	i := NewIntegrator(DefaultScales(), mock)

	// first step only records the time
	mock.Add(time.Hour)
	test.That(t, i.Step(r3.Vector{X: 1}), test.ShouldResemble, Pose{})

	mock.Add(500 * time.Millisecond)
	p := i.Step(r3.Vector{X: 1})
	test.That(t, p.X, test.ShouldAlmostEqual, 0.5)

	mock.Add(250 * time.Millisecond)
	p = i.Step(r3.Vector{X: 2})
	test.That(t, p.X, test.ShouldAlmostEqual, 1.0)
}

func TestReset(t *testing.T) {
	mock := clock.NewMock()
	i := NewIntegrator(DefaultScales(), mock)
	i.Step(r3.Vector{X: 1})
	mock.Add(time.Second)
	i.Step(r3.Vector{X: 1, Z: 1})
	test.That(t, i.Pose().X, test.ShouldAlmostEqual, 1.0)

	i.Reset()
	test.That(t, i.Pose(), test.ShouldResemble, Pose{})

	// the gap since the last step must not be integrated
	mock.Add(10 * time.Second)
	test.That(t, i.Step(r3.Vector{X: 1}), test.ShouldResemble, Pose{})
	mock.Add(100 * time.Millisecond)
	test.That(t, i.Step(r3.Vector{X: 1}).X, test.ShouldAlmostEqual, 0.1)
}

func TestYawQuaternion(t *testing.T) {
	i := NewIntegrator(DefaultScales(), nil)
	i.setPose(Pose{Yaw: math.Pi})
	q := i.YawQuaternion()
	test.That(t, q.Real, test.ShouldAlmostEqual, 0)
	test.That(t, q.Kmag, test.ShouldAlmostEqual, 1)
	test.That(t, q.Imag, test.ShouldEqual, 0.)
	test.That(t, q.Jmag, test.ShouldEqual, 0.)
}

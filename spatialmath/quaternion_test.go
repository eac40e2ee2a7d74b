package spatialmath

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestNormalize(t *testing.T) {
	q := Normalize(quat.Number{Real: 2, Imag: 2, Jmag: 2, Kmag: 2})
	test.That(t, quat.Abs(q), test.ShouldAlmostEqual, 1.0)
	test.That(t, q.Real, test.ShouldAlmostEqual, 0.5)

	test.That(t, Normalize(quat.Number{}), test.ShouldResemble, NewZeroOrientation())
}

func TestYawQuaternion(t *testing.T) {
	test.That(t, YawQuaternion(0), test.ShouldResemble, NewZeroOrientation())

	q := YawQuaternion(math.Pi / 2)
	test.That(t, q.Real, test.ShouldAlmostEqual, math.Sqrt2/2)
	test.That(t, q.Kmag, test.ShouldAlmostEqual, math.Sqrt2/2)
	test.That(t, q.Imag, test.ShouldEqual, 0.)
	test.That(t, q.Jmag, test.ShouldEqual, 0.)

	for _, yaw := range []float64{-2.5, -1, 0.3, 1.2, 3} {
		test.That(t, QuatToEulerAngles(YawQuaternion(yaw)).Yaw, test.ShouldAlmostEqual, yaw)
	}
}

func TestQuatToEulerAngles(t *testing.T) {
	// 90 degrees about X
	ea := QuatToEulerAngles(quat.Number{Real: math.Sqrt2 / 2, Imag: math.Sqrt2 / 2})
	test.That(t, ea.Roll, test.ShouldAlmostEqual, math.Pi/2)
	test.That(t, ea.Pitch, test.ShouldAlmostEqual, 0)
	test.That(t, ea.Yaw, test.ShouldAlmostEqual, 0)

	// gimbal lock clamps pitch
	ea = QuatToEulerAngles(quat.Number{Real: math.Sqrt2 / 2, Jmag: math.Sqrt2 / 2})
	test.That(t, ea.Pitch, test.ShouldAlmostEqual, math.Pi/2, 1e-6)

	q := quat.Number{Real: 0.1, Imag: 0.2, Jmag: 0.3, Kmag: 0.4}
	test.That(t, NewQuaternion(q).Number(), test.ShouldResemble, q)
}

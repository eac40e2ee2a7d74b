// Package spatialmath holds the orientation helpers shared by the fusion and odometry code.
package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// NewZeroOrientation returns the identity quaternion.
func NewZeroOrientation() quat.Number {
	return quat.Number{Real: 1}
}

// Normalize scales q to unit length. A zero quaternion becomes the identity.
func Normalize(q quat.Number) quat.Number {
	norm := quat.Abs(q)
	if norm == 0 || math.IsNaN(norm) {
		return NewZeroOrientation()
	}
	return quat.Scale(1/norm, q)
}

// YawQuaternion is the planar rotation of yaw radians about Z.
func YawQuaternion(yaw float64) quat.Number {
	return quat.Number{Real: math.Cos(yaw / 2), Kmag: math.Sin(yaw / 2)}
}

// EulerAngles are Tait-Bryan angles in radians, applied yaw then pitch then roll.
type EulerAngles struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// QuatToEulerAngles converts a unit quaternion to roll, pitch and yaw.
func QuatToEulerAngles(q quat.Number) EulerAngles {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	sinPitch := 2 * (w*y - z*x)
	var pitch float64
	if math.Abs(sinPitch) >= 1 {
		// gimbal lock
		pitch = math.Copysign(math.Pi/2, sinPitch)
	} else {
		pitch = math.Asin(sinPitch)
	}

	return EulerAngles{
		Roll:  math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y)),
		Pitch: pitch,
		Yaw:   math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z)),
	}
}

// Quaternion is the JSON form of a quat.Number.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// NewQuaternion converts from gonum's representation.
func NewQuaternion(q quat.Number) Quaternion {
	return Quaternion{W: q.Real, X: q.Imag, Y: q.Jmag, Z: q.Kmag}
}

// Number converts back to gonum's representation.
func (q Quaternion) Number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// Package ahrs implements a Mahony complementary filter that fuses gyro and accelerometer
// readings into an orientation quaternion.
package ahrs

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/courtbot/ballbot/spatialmath"
)

// Defaults matching the controller's 20 Hz IMU reports.
const (
	DefaultTwoKp      = 1.0
	DefaultTwoKi      = 0.0
	DefaultSampleFreq = 20.0
)

// Config holds the filter gains.
type Config struct {
	// TwoKp is twice the proportional gain.
	TwoKp float64 `json:"two_kp"`
	// TwoKi is twice the integral gain. Zero disables gyro bias estimation.
	TwoKi float64 `json:"two_ki"`
	// SampleFreq is the update rate in Hz.
	SampleFreq float64 `json:"sample_freq_hz"`
}

// DefaultConfig returns the default gains.
func DefaultConfig() Config {
	return Config{TwoKp: DefaultTwoKp, TwoKi: DefaultTwoKi, SampleFreq: DefaultSampleFreq}
}

// Mahony is a quaternion complementary filter. It is safe for concurrent use.
type Mahony struct {
	mu  sync.Mutex
	cfg Config

	q0, q1, q2, q3 float64
	// integral feedback, scaled by TwoKi
	integralFBx, integralFBy, integralFBz float64
}

// NewMahony returns a filter at the identity orientation. A non-positive sample frequency
// falls back to DefaultSampleFreq.
func NewMahony(cfg Config) *Mahony {
	if cfg.SampleFreq <= 0 {
		cfg.SampleFreq = DefaultSampleFreq
	}
	return &Mahony{cfg: cfg, q0: 1}
}

// invSqrt returns 1/sqrt(x), or 0 when x is not positive.
func invSqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return 1 / math.Sqrt(x)
}

// Update advances the estimate by one sample. gyro is in rad/s, accel in any unit.
func (m *Mahony) Update(gyro, accel r3.Vector) quat.Number {
	m.mu.Lock()
	defer m.mu.Unlock()

	gx, gy, gz := gyro.X, gyro.Y, gyro.Z
	ax, ay, az := accel.X, accel.Y, accel.Z
	q0, q1, q2, q3 := m.q0, m.q1, m.q2, m.q3

	// an all-zero accelerometer reading is invalid; integrate the gyro only
	if !(ax == 0 && ay == 0 && az == 0) {
		recipNorm := invSqrt(ax*ax + ay*ay + az*az)
		ax *= recipNorm
		ay *= recipNorm
		az *= recipNorm

		// half the gravity direction from the third row of the rotation matrix
		halfvx := q1*q3 - q0*q2
		halfvy := q0*q1 + q2*q3
		halfvz := q0*q0 - 0.5 + q3*q3

		halfex := ay*halfvz - az*halfvy
		halfey := az*halfvx - ax*halfvz
		halfez := ax*halfvy - ay*halfvx

		if m.cfg.TwoKi > 0 {
			m.integralFBx += m.cfg.TwoKi * halfex * (1 / m.cfg.SampleFreq)
			m.integralFBy += m.cfg.TwoKi * halfey * (1 / m.cfg.SampleFreq)
			m.integralFBz += m.cfg.TwoKi * halfez * (1 / m.cfg.SampleFreq)
			gx += m.integralFBx
			gy += m.integralFBy
			gz += m.integralFBz
		} else {
			m.integralFBx, m.integralFBy, m.integralFBz = 0, 0, 0
		}

		gx += m.cfg.TwoKp * halfex
		gy += m.cfg.TwoKp * halfey
		gz += m.cfg.TwoKp * halfez
	}

	gx *= 0.5 * (1 / m.cfg.SampleFreq)
	gy *= 0.5 * (1 / m.cfg.SampleFreq)
	gz *= 0.5 * (1 / m.cfg.SampleFreq)

	qa, qb, qc := q0, q1, q2
	q0 += -qb*gx - qc*gy - q3*gz
	q1 += qa*gx + qc*gz - q3*gy
	q2 += qa*gy - qb*gz + q3*gx
	q3 += qa*gz + qb*gy - qc*gx

	q := spatialmath.Normalize(quat.Number{Real: q0, Imag: q1, Jmag: q2, Kmag: q3})
	m.q0, m.q1, m.q2, m.q3 = q.Real, q.Imag, q.Jmag, q.Kmag
	return q
}

// Quaternion returns the current orientation.
func (m *Mahony) Quaternion() quat.Number {
	m.mu.Lock()
	defer m.mu.Unlock()
	return quat.Number{Real: m.q0, Imag: m.q1, Jmag: m.q2, Kmag: m.q3}
}

// EulerAngles returns the current orientation as roll, pitch and yaw.
func (m *Mahony) EulerAngles() spatialmath.EulerAngles {
	return spatialmath.QuatToEulerAngles(m.Quaternion())
}

// integralFeedback returns the gyro bias integrators.
func (m *Mahony) integralFeedback() r3.Vector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return r3.Vector{X: m.integralFBx, Y: m.integralFBy, Z: m.integralFBz}
}

// Reset returns the filter to the identity orientation and clears the integrators.
func (m *Mahony) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.q0, m.q1, m.q2, m.q3 = 1, 0, 0, 0
	m.integralFBx, m.integralFBy, m.integralFBz = 0, 0, 0
}

package wheeltec

import (
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/courtbot/ballbot/odometry"
	"github.com/courtbot/ballbot/spatialmath"
)

// State is an immutable snapshot of everything the control loop derives from one report.
type State struct {
	Time time.Time
	Pose odometry.Pose
	// YawQuaternion is the odometry heading as a rotation about Z.
	YawQuaternion quat.Number
	// Velocity is the measured body velocity; Z is the yaw rate.
	Velocity r3.Vector
	// Orientation is the AHRS estimate.
	Orientation quat.Number
	IMU         IMUSample
	Voltage     float64
	Flag        byte

	FramesReceived uint64
	FramesDropped  uint64
}

func newState(now time.Time) *State {
	return &State{
		Time:          now,
		YawQuaternion: spatialmath.NewZeroOrientation(),
		Orientation:   spatialmath.NewZeroOrientation(),
	}
}

// Velocity is the JSON form of a body velocity.
type Velocity struct {
	LinearX  float64 `json:"linear_x"`
	LinearY  float64 `json:"linear_y"`
	AngularZ float64 `json:"angular_z"`
}

// NewVelocity converts a body velocity whose Z is the yaw rate.
func NewVelocity(v r3.Vector) Velocity {
	return Velocity{LinearX: v.X, LinearY: v.Y, AngularZ: v.Z}
}

// OdometryReading is the payload of odometry events.
type OdometryReading struct {
	Pose        odometry.Pose          `json:"pose"`
	Velocity    Velocity               `json:"velocity"`
	Orientation spatialmath.Quaternion `json:"orientation"`
}

// IMUReading is the payload of imu events.
type IMUReading struct {
	Accel       r3.Vector               `json:"accel"`
	Gyro        r3.Vector               `json:"gyro"`
	Orientation spatialmath.Quaternion  `json:"orientation"`
	Euler       spatialmath.EulerAngles `json:"euler"`
}

// VoltageReading is the payload of voltage events.
type VoltageReading struct {
	Volts float64 `json:"volts"`
}

// OdometryReading returns the odometry event payload for the snapshot.
func (s State) OdometryReading() OdometryReading {
	return OdometryReading{
		Pose:        s.Pose,
		Velocity:    NewVelocity(s.Velocity),
		Orientation: spatialmath.NewQuaternion(s.YawQuaternion),
	}
}

// IMUReading returns the imu event payload for the snapshot.
func (s State) IMUReading() IMUReading {
	return IMUReading{
		Accel:       s.IMU.Accel,
		Gyro:        s.IMU.Gyro,
		Orientation: spatialmath.NewQuaternion(s.Orientation),
		Euler:       spatialmath.QuatToEulerAngles(s.Orientation),
	}
}

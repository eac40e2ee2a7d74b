package visualservo

import (
	"github.com/samber/lo"
)

// SelectionMode chooses one target among several valid detections.
type SelectionMode string

const (
	// SelectLargest picks the biggest box, which is usually the closest ball.
	SelectLargest SelectionMode = "largest"
	// SelectNearest picks the box closest to the frame center.
	SelectNearest SelectionMode = "nearest"
)

// Params are the runtime tunables of the controller.
type Params struct {
	// CenterTolerance is the pixel distance from the frame center counted as centered.
	CenterTolerance float64 `json:"center_tolerance"`
	MinConfidence   float64 `json:"min_confidence"`
	// MaxAngularSpeed bounds the PID output, rad/s.
	MaxAngularSpeed float64 `json:"max_angular_speed"`
	// SearchAngularSpeed is the constant turn rate used while searching, rad/s.
	SearchAngularSpeed float64 `json:"search_angular_speed"`
	// ForwardSpeed is used approaching and, reversed, backing up, m/s.
	ForwardSpeed  float64       `json:"forward_speed"`
	Kp            float64       `json:"kp"`
	Ki            float64       `json:"ki"`
	Kd            float64       `json:"kd"`
	SelectionMode SelectionMode `json:"selection_mode"`
}

// DefaultParams returns the tuning used on the stock robot.
func DefaultParams() Params {
	return Params{
		CenterTolerance:    30,
		MinConfidence:      0.6,
		MaxAngularSpeed:    0.15,
		SearchAngularSpeed: 0.3,
		ForwardSpeed:       0.2,
		Kp:                 0.003,
		Ki:                 0.0001,
		Kd:                 0.001,
		SelectionMode:      SelectLargest,
	}
}

// Clamped returns p with every field forced into its safe range.
func (p Params) Clamped() Params {
	p.CenterTolerance = lo.Clamp(p.CenterTolerance, 10, 100)
	p.MinConfidence = lo.Clamp(p.MinConfidence, 0.1, 1.0)
	p.MaxAngularSpeed = lo.Clamp(p.MaxAngularSpeed, 0.1, 2.0)
	p.SearchAngularSpeed = lo.Clamp(p.SearchAngularSpeed, 0.05, 1.0)
	p.ForwardSpeed = lo.Clamp(p.ForwardSpeed, 0.1, 1.0)
	p.Kp = lo.Clamp(p.Kp, 0.0001, 0.01)
	p.Ki = lo.Clamp(p.Ki, 0, 0.001)
	p.Kd = lo.Clamp(p.Kd, 0, 0.01)
	if p.SelectionMode != SelectNearest {
		p.SelectionMode = SelectLargest
	}
	return p
}

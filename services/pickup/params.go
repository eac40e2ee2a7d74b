package pickup

import (
	"time"

	"github.com/samber/lo"

	"github.com/courtbot/ballbot/services/visualservo"
)

// Params tune the pickup behaviour. Durations are in seconds.
type Params struct {
	// RequiredConsecutiveFrames is the debounce length for presence and absence.
	RequiredConsecutiveFrames int `json:"required_consecutive_frames"`
	// AssumedCyclePeriod is the frame period used to estimate how far RotatingSearch has turned.
	AssumedCyclePeriod    float64 `json:"assumed_cycle_period"`
	TrackingTimeout       float64 `json:"tracking_timeout"`
	ApproachTimeout       float64 `json:"approach_timeout"`
	BackupDuration        float64 `json:"backup_duration"`
	RotatingSearchTimeout float64 `json:"rotating_search_timeout"`
	// DetectionTimeout is how long without a ball before a no_ball event.
	DetectionTimeout float64 `json:"detection_timeout"`
}

// DefaultParams returns the stock pickup tuning.
func DefaultParams() Params {
	return Params{
		RequiredConsecutiveFrames: 3,
		AssumedCyclePeriod:        0.1,
		TrackingTimeout:           10,
		ApproachTimeout:           15,
		BackupDuration:            2,
		RotatingSearchTimeout:     30,
		DetectionTimeout:          2,
	}
}

// Clamped returns p with every field forced into its safe range.
func (p Params) Clamped() Params {
	p.RequiredConsecutiveFrames = lo.Clamp(p.RequiredConsecutiveFrames, 1, 10)
	p.AssumedCyclePeriod = lo.Clamp(p.AssumedCyclePeriod, 0.01, 1)
	p.TrackingTimeout = lo.Clamp(p.TrackingTimeout, 1, 120)
	p.ApproachTimeout = lo.Clamp(p.ApproachTimeout, 1, 120)
	p.BackupDuration = lo.Clamp(p.BackupDuration, 0.5, 10)
	p.RotatingSearchTimeout = lo.Clamp(p.RotatingSearchTimeout, 5, 300)
	p.DetectionTimeout = lo.Clamp(p.DetectionTimeout, 0.5, 10)
	return p
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Parameters are all the runtime tunables of the pickup behaviour, including the servo's.
type Parameters struct {
	Servo  visualservo.Params `json:"servo"`
	Pickup Params             `json:"pickup"`
}

// DefaultParameters returns the stock servo and pickup tuning.
func DefaultParameters() Parameters {
	return Parameters{Servo: visualservo.DefaultParams(), Pickup: DefaultParams()}
}

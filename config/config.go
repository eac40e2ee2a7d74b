// Package config defines the robot's JSON configuration, how it is read and how edits to the
// file reach a running robot.
package config

import (
	"image/color"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/courtbot/ballbot/components/base/wheeltec"
	"github.com/courtbot/ballbot/components/camera/fake"
	"github.com/courtbot/ballbot/components/camera/snapshot"
	"github.com/courtbot/ballbot/components/estop"
	"github.com/courtbot/ballbot/logging"
	"github.com/courtbot/ballbot/services/pickup"
	"github.com/courtbot/ballbot/services/visualservo"
	"github.com/courtbot/ballbot/telemetry/mqtt"
	"github.com/courtbot/ballbot/vision/objectdetection/remote"
	"github.com/courtbot/ballbot/vision/pipeline"
)

// Camera and detector types.
const (
	CameraFake     = "fake"
	CameraSnapshot = "snapshot"

	DetectorColor  = "color"
	DetectorRemote = "remote"
)

// Config is the whole robot configuration.
type Config struct {
	// ConfigFilePath is where the config was read from, if anywhere.
	ConfigFilePath string `json:"-"`

	Base   wheeltec.Config    `json:"base"`
	Vision VisionConfig       `json:"vision"`
	Servo  visualservo.Params `json:"servo"`
	Pickup pickup.Params      `json:"pickup"`
	Web    WebConfig          `json:"web"`
	MQTT   mqtt.Config        `json:"mqtt"`
	EStop  estop.Config       `json:"estop"`
	Log    logging.Config     `json:"log"`
}

// VisionConfig selects the camera and detector and tunes the frame loop.
type VisionConfig struct {
	Camera   CameraConfig    `json:"camera"`
	Detector DetectorConfig  `json:"detector"`
	Pipeline pipeline.Config `json:"pipeline"`
	// Label keeps only detections with this label; empty keeps all.
	Label string `json:"label,omitempty"`
	// MinArea drops detections smaller than this many square pixels, whichever detector is used.
	MinArea float64 `json:"min_area,omitempty"`
}

// CameraConfig selects a camera implementation.
type CameraConfig struct {
	Type     string          `json:"type"`
	Fake     fake.Config     `json:"fake"`
	Snapshot snapshot.Config `json:"snapshot"`
}

// DetectorConfig selects a detector implementation.
type DetectorConfig struct {
	Type   string        `json:"type"`
	Color  ColorConfig   `json:"color"`
	Remote remote.Config `json:"remote"`
}

// ColorConfig configures the color blob detector.
type ColorConfig struct {
	RGB       [3]uint8 `json:"rgb"`
	Tolerance float64  `json:"tolerance"`
	MinArea   int      `json:"min_area"`
}

// Color returns the target color.
func (cc ColorConfig) Color() color.RGBA {
	return color.RGBA{R: cc.RGB[0], G: cc.RGB[1], B: cc.RGB[2], A: 255}
}

// WebConfig configures the HTTP control surface.
type WebConfig struct {
	Listen         string   `json:"listen"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// StatsIntervalMs is how often system stats are pushed to websocket clients.
	StatsIntervalMs int `json:"stats_interval_ms,omitempty"`
}

// Default returns a configuration for the stock robot with a fake camera and color detector.
func Default() *Config {
	return &Config{
		Base: wheeltec.DefaultConfig(),
		Vision: VisionConfig{
			Camera: CameraConfig{
				Type: CameraFake,
				Fake: fake.Config{Width: 640, Height: 480, BallRadius: 24},
			},
			Detector: DetectorConfig{
				Type: DetectorColor,
				Color: ColorConfig{
					RGB:       [3]uint8{fake.BallColor.R, fake.BallColor.G, fake.BallColor.B},
					Tolerance: 60,
					MinArea:   150,
				},
			},
			Pipeline: pipeline.DefaultConfig(),
		},
		Servo:  visualservo.DefaultParams(),
		Pickup: pickup.DefaultParams(),
		Web:    WebConfig{Listen: "0.0.0.0:8080", StatsIntervalMs: 2000},
		Log:    logging.Config{Level: "info"},
	}
}

// Parameters returns the runtime tunables of the pickup behaviour.
func (c *Config) Parameters() pickup.Parameters {
	return pickup.Parameters{Servo: c.Servo, Pickup: c.Pickup}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if err := c.Base.Validate("base"); err != nil {
		return err
	}
	if err := c.Vision.Validate("vision"); err != nil {
		return err
	}
	if c.Web.Listen == "" {
		return utils.NewConfigValidationFieldRequiredError("web", "listen")
	}
	if err := c.MQTT.Validate("mqtt"); err != nil {
		return err
	}
	if err := c.EStop.Validate("estop"); err != nil {
		return err
	}
	if c.Log.Level != "" {
		if _, err := logging.LevelFromString(c.Log.Level); err != nil {
			return utils.NewConfigValidationError("log", err)
		}
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (vc *VisionConfig) Validate(path string) error {
	switch vc.Camera.Type {
	case CameraFake:
		if err := vc.Camera.Fake.Validate(path + ".camera.fake"); err != nil {
			return utils.NewConfigValidationError(path+".camera.fake", err)
		}
	case CameraSnapshot:
		if err := vc.Camera.Snapshot.Validate(path + ".camera.snapshot"); err != nil {
			return err
		}
	default:
		return utils.NewConfigValidationError(path+".camera",
			errors.Errorf("unknown camera type %q, expected %q or %q", vc.Camera.Type, CameraFake, CameraSnapshot))
	}

	switch vc.Detector.Type {
	case DetectorColor:
		if vc.Detector.Color.Tolerance <= 0 {
			return utils.NewConfigValidationError(path+".detector.color", errors.New("tolerance must be positive"))
		}
	case DetectorRemote:
		if err := vc.Detector.Remote.Validate(path + ".detector.remote"); err != nil {
			return err
		}
	default:
		return utils.NewConfigValidationError(path+".detector",
			errors.Errorf("unknown detector type %q, expected %q or %q", vc.Detector.Type, DetectorColor, DetectorRemote))
	}
	if vc.Pipeline.TargetFPS < 0 || vc.Pipeline.ReadFPS < 0 {
		return utils.NewConfigValidationError(path+".pipeline", errors.New("frame rates must not be negative"))
	}
	if vc.MinArea < 0 {
		return utils.NewConfigValidationError(path, errors.New("min_area must not be negative"))
	}
	return nil
}

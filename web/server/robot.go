package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/courtbot/ballbot/components/base/fake"
	"github.com/courtbot/ballbot/components/base/wheeltec"
	"github.com/courtbot/ballbot/components/camera"
	camerafake "github.com/courtbot/ballbot/components/camera/fake"
	"github.com/courtbot/ballbot/components/camera/snapshot"
	"github.com/courtbot/ballbot/components/estop"
	"github.com/courtbot/ballbot/config"
	"github.com/courtbot/ballbot/events"
	"github.com/courtbot/ballbot/logging"
	"github.com/courtbot/ballbot/services/pickup"
	"github.com/courtbot/ballbot/services/visualservo"
	"github.com/courtbot/ballbot/telemetry/mqtt"
	"github.com/courtbot/ballbot/vision/objectdetection"
	"github.com/courtbot/ballbot/vision/objectdetection/remote"
	"github.com/courtbot/ballbot/vision/pipeline"
)

// Robot is every subsystem of a running ballbot, wired together.
type Robot struct {
	Bus    *events.Bus
	Base   *wheeltec.Base
	Camera camera.Camera
	Vision *pipeline.Pipeline
	Servo  *visualservo.Controller
	Pickup *pickup.Machine

	logger    logging.Logger
	telemetry *mqtt.Publisher
	button    *estop.Button
	closePin  func() error
}

// NewRobot builds the robot described by cfg. With simulated set, the serial link and camera
// are replaced by fakes so no hardware is needed. Nothing moves until the base is started.
func NewRobot(cfg *config.Config, simulated bool, logger logging.Logger) (_ *Robot, err error) {
	r := &Robot{Bus: events.NewBus(nil), logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, r.Close(context.Background()))
		}
	}()

	baseCfg := cfg.Base
	baseOpts := []wheeltec.Option{wheeltec.WithPublisher(r.Bus)}
	if simulated {
		baseCfg.SignedVelocity = true
		baseOpts = append(baseOpts, wheeltec.WithOpener(fake.Open))
	}
	r.Base = wheeltec.NewBase(baseCfg, logger.Sublogger("base"), baseOpts...)

	if r.Camera, err = newCamera(cfg.Vision, simulated, logger.Sublogger("camera")); err != nil {
		return nil, err
	}
	detector, err := newDetector(cfg.Vision, simulated)
	if err != nil {
		return nil, err
	}

	r.Servo = visualservo.NewController(r.Base, cfg.Servo, logger.Sublogger("servo"), nil)
	r.Pickup = pickup.NewMachine(r.Servo, cfg.Pickup, logger.Sublogger("pickup"), r.Bus, nil)

	handler := func(ctx context.Context, res pipeline.Result) {
		r.Pickup.Process(ctx, res.Detections, res.Width, res.Height)
	}
	r.Vision, err = pipeline.New(cfg.Vision.Pipeline, r.Camera, detector, handler,
		logger.Sublogger("vision"), pipeline.WithPublisher(r.Bus))
	if err != nil {
		return nil, err
	}

	if cfg.MQTT.Enabled() {
		if r.telemetry, err = mqtt.NewPublisher(cfg.MQTT, r.Bus, logger.Sublogger("mqtt")); err != nil {
			return nil, err
		}
	}

	if cfg.EStop.Enabled && !simulated {
		pin, closePin, err := estop.OpenPin(cfg.EStop)
		if err != nil {
			return nil, err
		}
		r.closePin = closePin
		r.button = estop.NewButton(cfg.EStop, pin, r.EmergencyStop, logger.Sublogger("estop"), nil)
		r.button.Start()
	}
	return r, nil
}

func newCamera(cfg config.VisionConfig, simulated bool, logger logging.Logger) (camera.Camera, error) {
	typ := cfg.Camera.Type
	if simulated {
		typ = config.CameraFake
	}
	switch typ {
	case config.CameraFake:
		cam, err := camerafake.NewCamera(cfg.Camera.Fake)
		if err != nil {
			return nil, err
		}
		return cam, nil
	case config.CameraSnapshot:
		cam, err := snapshot.NewCamera(cfg.Camera.Snapshot, &http.Client{}, logger)
		if err != nil {
			return nil, err
		}
		return cam, nil
	default:
		return nil, errors.Errorf("unknown camera type %q", typ)
	}
}

func newDetector(cfg config.VisionConfig, simulated bool) (objectdetection.Detector, error) {
	var det objectdetection.Detector
	switch {
	case simulated || cfg.Detector.Type == config.DetectorColor:
		color := cfg.Detector.Color
		if simulated {
			color = config.Default().Vision.Detector.Color
		}
		det = objectdetection.NewColorDetector(color.Color(), color.Tolerance, color.MinArea, ballLabel(cfg))
	case cfg.Detector.Type == config.DetectorRemote:
		timeout := time.Duration(cfg.Detector.Remote.TimeoutMs) * time.Millisecond
		det = remote.NewDetector(cfg.Detector.Remote, &http.Client{Timeout: timeout})
	default:
		return nil, errors.Errorf("unknown detector type %q", cfg.Detector.Type)
	}
	var posts []objectdetection.Postprocessor
	if cfg.Label != "" {
		posts = append(posts, objectdetection.NewLabelFilter(cfg.Label))
	}
	if cfg.MinArea > 0 {
		posts = append(posts, objectdetection.NewAreaFilter(cfg.MinArea))
	}
	if len(posts) == 0 {
		return det, nil
	}
	return objectdetection.Build(det, posts...)
}

func ballLabel(cfg config.VisionConfig) string {
	if cfg.Label != "" {
		return cfg.Label
	}
	return "ball"
}

// EmergencyStop halts the robot and drops pickup mode.
func (r *Robot) EmergencyStop(ctx context.Context) {
	if err := r.Pickup.EmergencyStop(ctx); err != nil && !errors.Is(err, wheeltec.ErrNotRunning) {
		r.logger.Errorw("emergency stop command failed", "error", err)
		r.Bus.Publish(events.KindError, events.Message{Source: "estop", Message: err.Error()})
	}
}

// ApplyConfig takes the runtime tunables of a reloaded config. Everything else needs a restart.
func (r *Robot) ApplyConfig(cfg *config.Config) {
	applied := r.Pickup.UpdateParameters(cfg.Parameters())
	r.logger.Infow("applied reloaded parameters", "servo", applied.Servo, "pickup", applied.Pickup)
	if cfg.Log.Level == "" {
		return
	}
	if level, err := logging.LevelFromString(cfg.Log.Level); err == nil {
		r.logger.SetLevel(level)
	}
}

// Close stops everything, leaving the base commanded to zero velocity.
func (r *Robot) Close(ctx context.Context) error {
	var err error
	if r.button != nil {
		r.button.Close()
	}
	if r.closePin != nil {
		err = multierr.Combine(err, r.closePin())
	}
	if r.Vision != nil {
		r.Vision.Stop()
	}
	if r.Pickup != nil {
		if perr := r.Pickup.Close(ctx); !errors.Is(perr, wheeltec.ErrNotRunning) {
			err = multierr.Combine(err, perr)
		}
	}
	if r.Base != nil {
		err = multierr.Combine(err, r.Base.Close(ctx))
	}
	if r.Camera != nil {
		err = multierr.Combine(err, r.Camera.Close(ctx))
	}
	if r.telemetry != nil {
		err = multierr.Combine(err, r.telemetry.Close())
	}
	r.Bus.Close()
	return err
}

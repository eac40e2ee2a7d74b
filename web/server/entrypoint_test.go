package server

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/courtbot/ballbot/config"
	"github.com/courtbot/ballbot/logging"
	"github.com/courtbot/ballbot/services/pickup"
	"github.com/courtbot/ballbot/web"
)

func TestSimulatedRobotPicksUpBalls(t *testing.T) {
	ctx := context.Background()
	r, err := NewRobot(config.Default(), true, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, r.Base.Start(ctx), test.ShouldBeNil)
	test.That(t, r.Vision.Start(ctx), test.ShouldBeNil)
	test.That(t, r.Pickup.Enable(ctx), test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, r.Vision.Status().FramesProcessed, test.ShouldBeGreaterThan, 0)
		test.That(tb, r.Pickup.Status().Stats.TotalDetections, test.ShouldBeGreaterThan, 0)
	})

	r.EmergencyStop(ctx)
	test.That(t, r.Pickup.State(), test.ShouldEqual, pickup.Idle)
	test.That(t, r.Base.LastCommand().Norm(), test.ShouldEqual, 0)

	test.That(t, r.Close(ctx), test.ShouldBeNil)
	test.That(t, r.Base.IsRunning(), test.ShouldBeFalse)
	test.That(t, r.Vision.IsRunning(), test.ShouldBeFalse)
}

func TestNewRobotRejectsUnknownParts(t *testing.T) {
	logger := logging.NewTestLogger(t)

	cfg := config.Default()
	cfg.Vision.Camera.Type = "thermal"
	_, err := NewRobot(cfg, false, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "thermal")

	cfg = config.Default()
	cfg.Vision.Detector.Type = "yolo"
	_, err = NewRobot(cfg, false, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "yolo")

	// simulation ignores the configured parts
	r, err := NewRobot(cfg, true, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Close(context.Background()), test.ShouldBeNil)
}

func TestDetectorFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		fmt.Fprint(w, `{"detections": [
			{"box": [0, 0, 40, 40], "score": 0.9, "label": "ball"},
			{"box": [0, 0, 10, 10], "score": 0.9, "label": "ball"},
			{"box": [0, 0, 40, 40], "score": 0.9, "label": "person"}
		]}`)
	}))
	defer srv.Close()

	cfg := config.Default().Vision
	cfg.Detector.Type = config.DetectorRemote
	cfg.Detector.Remote.URL = srv.URL
	frame := image.NewRGBA(image.Rect(0, 0, 64, 48))

	det, err := newDetector(cfg, false)
	test.That(t, err, test.ShouldBeNil)
	dets, err := det(context.Background(), frame)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 3)

	cfg.Label = "ball"
	cfg.MinArea = 500
	det, err = newDetector(cfg, false)
	test.That(t, err, test.ShouldBeNil)
	dets, err = det(context.Background(), frame)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 1)
	test.That(t, dets[0].Label, test.ShouldEqual, "ball")
	test.That(t, dets[0].Area(), test.ShouldAlmostEqual, 1600)
}

func TestApplyConfig(t *testing.T) {
	logger := logging.NewTestLogger(t)
	r, err := NewRobot(config.Default(), true, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, r.Close(context.Background()), test.ShouldBeNil)
	}()

	cfg := config.Default()
	cfg.Pickup.RequiredConsecutiveFrames = 7
	cfg.Servo.Kp = 0.01
	cfg.Log.Level = "debug"
	r.ApplyConfig(cfg)

	p := r.Pickup.Parameters()
	test.That(t, p.Pickup.RequiredConsecutiveFrames, test.ShouldEqual, 7)
	test.That(t, p.Servo.Kp, test.ShouldAlmostEqual, 0.01)
	test.That(t, logger.GetLevel(), test.ShouldEqual, logging.DEBUG)
}

func TestServeUntilCancelled(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	url := fmt.Sprintf("http://%s/api/robot/state", listener.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, config.Default(), Arguments{Simulated: true, AutoStart: true}, listener, logging.NewTestLogger(t))
	}()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		resp, err := http.Get(url)
		test.That(tb, err, test.ShouldBeNil)
		defer resp.Body.Close()
		var body struct {
			Data web.RobotState `json:"data"`
		}
		test.That(tb, json.NewDecoder(resp.Body).Decode(&body), test.ShouldBeNil)
		test.That(tb, body.Data.Running, test.ShouldBeTrue)
		test.That(tb, body.Data.FramesReceived, test.ShouldBeGreaterThan, 0)
	})

	cancel()
	test.That(t, <-done, test.ShouldBeNil)
}

package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/courtbot/ballbot/components/base/fake"
	"github.com/courtbot/ballbot/components/base/wheeltec"
	camerafake "github.com/courtbot/ballbot/components/camera/fake"
	"github.com/courtbot/ballbot/config"
	"github.com/courtbot/ballbot/events"
	"github.com/courtbot/ballbot/logging"
	"github.com/courtbot/ballbot/services/pickup"
	"github.com/courtbot/ballbot/services/visualservo"
	"github.com/courtbot/ballbot/vision/objectdetection"
	"github.com/courtbot/ballbot/vision/pipeline"
	"github.com/courtbot/ballbot/web"
)

type reply struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type harness struct {
	server  *web.Server
	http    *httptest.Server
	robot   *wheeltec.Base
	vision  *pipeline.Pipeline
	machine *pickup.Machine
	bus     *events.Bus
	clock   *clock.Mock
}

var testStats = web.SystemStats{CPUPercent: 12.5, MemoryPercent: 40, MemoryUsedGB: 1.5, MemoryTotalGB: 3.75}

func newHarness(t *testing.T, cfg config.WebConfig) *harness {
	t.Helper()
	logger := logging.NewTestLogger(t)
	mock := clock.NewMock()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	robot := wheeltec.NewBase(wheeltec.DefaultConfig(), logger, wheeltec.WithOpener(fake.Open), wheeltec.WithPublisher(bus))
	t.Cleanup(func() {
		test.That(t, robot.Close(context.Background()), test.ShouldBeNil)
	})

	cam, err := camerafake.NewCamera(camerafake.Config{})
	test.That(t, err, test.ShouldBeNil)
	detector := objectdetection.NewColorDetector(camerafake.BallColor, 30, 100, "ball")
	vision, err := pipeline.New(pipeline.DefaultConfig(), cam, detector, nil, logger, pipeline.WithPublisher(bus))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(vision.Stop)

	servo := visualservo.NewController(robot, visualservo.DefaultParams(), logger, clock.New())
	machine := pickup.NewMachine(servo, pickup.DefaultParams(), logger, bus, clock.New())

	s, err := web.NewServer(cfg, web.Dependencies{Robot: robot, Vision: vision, Pickup: machine}, bus, logger,
		web.WithClock(mock),
		web.WithStatsFunc(func(ctx context.Context) (web.SystemStats, error) {
			return testStats, nil
		}))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(s.Close)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{server: s, http: srv, robot: robot, vision: vision, machine: machine, bus: bus, clock: mock}
}

func (h *harness) do(t *testing.T, method, path, body string) (int, reply) {
	t.Helper()
	req, err := http.NewRequest(method, h.http.URL+path, strings.NewReader(body))
	test.That(t, err, test.ShouldBeNil)
	resp, err := http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	var r reply
	test.That(t, json.NewDecoder(resp.Body).Decode(&r), test.ShouldBeNil)
	return resp.StatusCode, r
}

func (h *harness) post(t *testing.T, path, body string) (int, reply) {
	t.Helper()
	return h.do(t, http.MethodPost, path, body)
}

func (h *harness) get(t *testing.T, path string) (int, reply) {
	t.Helper()
	return h.do(t, http.MethodGet, path, "")
}

func decode[T any](t *testing.T, data json.RawMessage) T {
	t.Helper()
	var v T
	test.That(t, json.Unmarshal(data, &v), test.ShouldBeNil)
	return v
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := web.NewServer(config.WebConfig{}, web.Dependencies{}, events.NewBus(nil), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRobotEndpoints(t *testing.T) {
	h := newHarness(t, config.WebConfig{})

	code, r := h.post(t, "/api/robot/stop", "")
	test.That(t, code, test.ShouldEqual, http.StatusConflict)
	test.That(t, r.Status, test.ShouldEqual, "error")
	test.That(t, r.Message, test.ShouldEqual, "robot not running")

	code, _ = h.post(t, "/api/robot/velocity", `{"linear_x": 0.1}`)
	test.That(t, code, test.ShouldEqual, http.StatusConflict)

	code, r = h.post(t, "/api/robot/start", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, r.Status, test.ShouldEqual, "success")
	test.That(t, h.robot.IsRunning(), test.ShouldBeTrue)

	code, _ = h.post(t, "/api/robot/start", "")
	test.That(t, code, test.ShouldEqual, http.StatusConflict)

	code, r = h.post(t, "/api/robot/velocity", `{"linear_x": 0.1, "angular_z": -0.2}`)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	v := decode[wheeltec.Velocity](t, r.Data)
	test.That(t, v.LinearX, test.ShouldAlmostEqual, 0.1)
	test.That(t, v.AngularZ, test.ShouldAlmostEqual, -0.2)

	code, r = h.post(t, "/api/robot/control", `{"command": "left"}`)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	v = decode[wheeltec.Velocity](t, r.Data)
	test.That(t, v, test.ShouldResemble, wheeltec.Velocity{AngularZ: web.ControlAngularSpeed})

	code, r = h.post(t, "/api/robot/control", `{"command": "forward"}`)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, decode[wheeltec.Velocity](t, r.Data).LinearX, test.ShouldAlmostEqual, web.ControlLinearSpeed)

	code, r = h.post(t, "/api/robot/control", `{"command": "spin"}`)
	test.That(t, code, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, r.Message, test.ShouldContainSubstring, "spin")

	code, _ = h.post(t, "/api/robot/velocity", `{"linear_x":`)
	test.That(t, code, test.ShouldEqual, http.StatusBadRequest)

	code, r = h.get(t, "/api/robot/state")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	st := decode[web.RobotState](t, r.Data)
	test.That(t, st.Running, test.ShouldBeTrue)
	test.That(t, st.Command.LinearX, test.ShouldAlmostEqual, web.ControlLinearSpeed)

	code, _ = h.post(t, "/api/robot/odometry/reset", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)

	code, _ = h.post(t, "/api/robot/stop", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, h.robot.IsRunning(), test.ShouldBeFalse)
	test.That(t, h.robot.LastCommand().Norm(), test.ShouldEqual, 0)
}

func TestVisionEndpoints(t *testing.T) {
	h := newHarness(t, config.WebConfig{})

	code, _ := h.post(t, "/api/vision/stop", "")
	test.That(t, code, test.ShouldEqual, http.StatusConflict)

	code, _ = h.post(t, "/api/vision/start", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	code, _ = h.post(t, "/api/vision/start", "")
	test.That(t, code, test.ShouldEqual, http.StatusConflict)

	code, r := h.get(t, "/api/vision/status")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, decode[pipeline.Status](t, r.Data).Running, test.ShouldBeTrue)

	code, _ = h.post(t, "/api/vision/stop", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, h.vision.IsRunning(), test.ShouldBeFalse)
}

func TestStoppingVisionDisablesPickup(t *testing.T) {
	h := newHarness(t, config.WebConfig{})
	ctx := context.Background()
	test.That(t, h.robot.Start(ctx), test.ShouldBeNil)
	test.That(t, h.vision.Start(ctx), test.ShouldBeNil)
	test.That(t, h.machine.Enable(ctx), test.ShouldBeNil)

	code, _ := h.post(t, "/api/vision/stop", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, h.machine.Status().Enabled, test.ShouldBeFalse)
	test.That(t, h.machine.State(), test.ShouldEqual, pickup.Idle)
}

func TestPickupEndpoints(t *testing.T) {
	h := newHarness(t, config.WebConfig{})

	code, r := h.post(t, "/api/pickup/enable", "")
	test.That(t, code, test.ShouldEqual, http.StatusConflict)
	test.That(t, r.Message, test.ShouldEqual, "robot not running")
	code, _ = h.post(t, "/api/pickup/toggle", "")
	test.That(t, code, test.ShouldEqual, http.StatusConflict)

	code, r = h.post(t, "/api/pickup/restart", "")
	test.That(t, code, test.ShouldEqual, http.StatusConflict)
	test.That(t, r.Message, test.ShouldEqual, pickup.ErrNotEnabled.Error())

	test.That(t, h.robot.Start(context.Background()), test.ShouldBeNil)

	code, r = h.post(t, "/api/pickup/enable", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	st := decode[pickup.Status](t, r.Data)
	test.That(t, st.Enabled, test.ShouldBeTrue)
	test.That(t, st.State, test.ShouldEqual, pickup.Searching)

	code, _ = h.post(t, "/api/pickup/restart", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)

	code, r = h.get(t, "/api/pickup/status")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, decode[pickup.Status](t, r.Data).State, test.ShouldEqual, pickup.Searching)

	code, r = h.post(t, "/api/pickup/toggle", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, r.Message, test.ShouldEqual, "pickup mode disabled")
	test.That(t, decode[pickup.Status](t, r.Data).State, test.ShouldEqual, pickup.Idle)

	code, r = h.post(t, "/api/pickup/toggle", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, r.Message, test.ShouldEqual, "pickup mode enabled")

	code, r = h.post(t, "/api/pickup/estop", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	st = decode[pickup.Status](t, r.Data)
	test.That(t, st.Enabled, test.ShouldBeFalse)
	test.That(t, st.State, test.ShouldEqual, pickup.Idle)
	test.That(t, h.robot.LastCommand().Norm(), test.ShouldEqual, 0)

	code, _ = h.post(t, "/api/pickup/disable", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
}

func TestPickupDisableWithRobotStopped(t *testing.T) {
	h := newHarness(t, config.WebConfig{})
	code, r := h.post(t, "/api/pickup/disable", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, decode[pickup.Status](t, r.Data).State, test.ShouldEqual, pickup.Idle)

	code, _ = h.post(t, "/api/pickup/estop", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
}

func TestPickupParameters(t *testing.T) {
	h := newHarness(t, config.WebConfig{})

	code, r := h.get(t, "/api/pickup/params")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, decode[pickup.Parameters](t, r.Data), test.ShouldResemble, pickup.DefaultParameters())

	code, r = h.post(t, "/api/pickup/params", `{"pickup": {"required_consecutive_frames": 5}, "servo": {"kp": 0.01}}`)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	p := decode[pickup.Parameters](t, r.Data)
	test.That(t, p.Pickup.RequiredConsecutiveFrames, test.ShouldEqual, 5)
	test.That(t, p.Servo.Kp, test.ShouldAlmostEqual, 0.01)
	// fields absent from the body keep their values
	test.That(t, p.Pickup.BackupDuration, test.ShouldAlmostEqual, pickup.DefaultParams().BackupDuration)
	test.That(t, p.Servo.SelectionMode, test.ShouldEqual, visualservo.SelectLargest)

	code, r = h.post(t, "/api/pickup/params", `{"pickup": {"required_consecutive_frames": 99}}`)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, decode[pickup.Parameters](t, r.Data).Pickup.RequiredConsecutiveFrames, test.ShouldEqual, 10)
	test.That(t, h.machine.Parameters().Pickup.RequiredConsecutiveFrames, test.ShouldEqual, 10)

	code, _ = h.post(t, "/api/pickup/params", `[1, 2]`)
	test.That(t, code, test.ShouldEqual, http.StatusBadRequest)

	code, r = h.post(t, "/api/pickup/stats/reset", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, decode[pickup.Stats](t, r.Data), test.ShouldResemble, pickup.Stats{})
}

func TestSystemStats(t *testing.T) {
	h := newHarness(t, config.WebConfig{StatsIntervalMs: 1000})

	code, r := h.get(t, "/api/system/stats")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, decode[web.SystemStats](t, r.Data), test.ShouldResemble, testStats)

	sub := h.bus.Subscribe(16, events.KindSystemStats)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		h.clock.Add(time.Second)
		test.That(tb, len(sub.C), test.ShouldBeGreaterThan, 0)
	})
	ev := <-sub.C
	test.That(t, ev.Data, test.ShouldResemble, testStats)
}

func TestSystemStatsError(t *testing.T) {
	logger := logging.NewTestLogger(t)
	bus := events.NewBus(nil)
	defer bus.Close()
	b := wheeltec.NewBase(wheeltec.DefaultConfig(), logger, wheeltec.WithOpener(fake.Open))
	servo := visualservo.NewController(b, visualservo.DefaultParams(), logger, nil)
	cam, err := camerafake.NewCamera(camerafake.Config{})
	test.That(t, err, test.ShouldBeNil)
	vision, err := pipeline.New(pipeline.DefaultConfig(), cam, objectdetection.NewColorDetector(camerafake.BallColor, 30, 100, "ball"), nil, logger)
	test.That(t, err, test.ShouldBeNil)

	s, err := web.NewServer(config.WebConfig{}, web.Dependencies{
		Robot:  b,
		Vision: vision,
		Pickup: pickup.NewMachine(servo, pickup.DefaultParams(), logger, bus, nil),
	}, bus, logger, web.WithStatsFunc(func(ctx context.Context) (web.SystemStats, error) {
		return web.SystemStats{}, errors.New("no procfs")
	}))
	test.That(t, err, test.ShouldBeNil)
	defer s.Close()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/system/stats", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusInternalServerError)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, "no procfs")
}

func TestCORS(t *testing.T) {
	t.Run("allow all by default", func(t *testing.T) {
		h := newHarness(t, config.WebConfig{})
		req := httptest.NewRequest(http.MethodOptions, "/api/robot/start", nil)
		req.Header.Set("Origin", "http://tablet.local")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, req)
		test.That(t, rec.Header().Get("Access-Control-Allow-Origin"), test.ShouldEqual, "*")
	})

	t.Run("configured origins", func(t *testing.T) {
		h := newHarness(t, config.WebConfig{AllowedOrigins: []string{"http://ui.local"}})

		req := httptest.NewRequest(http.MethodGet, "/api/pickup/status", nil)
		req.Header.Set("Origin", "http://ui.local")
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, req)
		test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
		test.That(t, rec.Header().Get("Access-Control-Allow-Origin"), test.ShouldEqual, "http://ui.local")

		req = httptest.NewRequest(http.MethodGet, "/api/pickup/status", nil)
		req.Header.Set("Origin", "http://elsewhere.local")
		rec = httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, req)
		test.That(t, rec.Header().Get("Access-Control-Allow-Origin"), test.ShouldBeEmpty)

		url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
		header := http.Header{"Origin": []string{"http://elsewhere.local"}}
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusForbidden)
	})
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t, config.WebConfig{})
	resp, err := http.Post(h.http.URL+"/api/robot/fly", "application/json", bytes.NewReader(nil))
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNotFound)
}

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/courtbot/ballbot/components/base/wheeltec"
	"github.com/courtbot/ballbot/services/pickup"
)

// Speeds used by the directional control buttons.
const (
	ControlLinearSpeed  = 0.2
	ControlAngularSpeed = 0.3
)

const maxBodyBytes = 1 << 16

var (
	errRobotRunning    = errors.New("robot already running")
	errRobotNotRunning = errors.New("robot not running")
	errVisionRunning   = errors.New("vision already running")
	errVisionStopped   = errors.New("vision not running")
	errUnknownCommand  = errors.New("unknown control command")
	errBadRequest      = errors.New("invalid request body")
)

var controlCommands = map[string]wheeltec.Velocity{
	"forward":  {LinearX: ControlLinearSpeed},
	"backward": {LinearX: -ControlLinearSpeed},
	"left":     {AngularZ: ControlAngularSpeed},
	"right":    {AngularZ: -ControlAngularSpeed},
	"stop":     {},
}

// Reply is the envelope of every API response.
type Reply struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// RobotState is the body of GET /api/robot/state.
type RobotState struct {
	Running        bool                     `json:"running"`
	Time           time.Time                `json:"time"`
	Odometry       wheeltec.OdometryReading `json:"odometry"`
	IMU            wheeltec.IMUReading      `json:"imu"`
	Voltage        float64                  `json:"voltage"`
	Command        wheeltec.Velocity        `json:"command"`
	FramesReceived uint64                   `json:"frames_received"`
	FramesDropped  uint64                   `json:"frames_dropped"`
}

// ConnectionStatus is sent to each websocket client when it connects.
type ConnectionStatus struct {
	Robot  bool `json:"robot"`
	Vision bool `json:"vision"`
	Pickup bool `json:"pickup"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugw("error writing response", "error", err)
	}
}

func (s *Server) ok(w http.ResponseWriter, message string, data interface{}) {
	s.writeJSON(w, http.StatusOK, Reply{Status: "success", Message: message, Data: data})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusCode(err), Reply{Status: "error", Message: err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, errUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, errRobotRunning), errors.Is(err, errRobotNotRunning),
		errors.Is(err, errVisionRunning), errors.Is(err, errVisionStopped),
		errors.Is(err, wheeltec.ErrNotRunning), errors.Is(err, pickup.ErrNotEnabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errBadRequest, err.Error())
	}
	return nil
}

func (s *Server) startRobot(w http.ResponseWriter, r *http.Request) {
	if s.robot.IsRunning() {
		s.fail(w, errRobotRunning)
		return
	}
	if err := s.robot.Start(r.Context()); err != nil {
		s.fail(w, errors.Wrap(err, "robot failed to start"))
		return
	}
	s.ok(w, "robot started", nil)
}

func (s *Server) stopRobot(w http.ResponseWriter, r *http.Request) {
	if !s.robot.IsRunning() {
		s.fail(w, errRobotNotRunning)
		return
	}
	if s.pickup.Status().Enabled {
		if err := s.pickup.Disable(r.Context()); err != nil {
			s.logger.Warnw("error disabling pickup before stopping the robot", "error", err)
		}
	}
	if err := s.robot.Close(r.Context()); err != nil {
		s.fail(w, errors.Wrap(err, "robot failed to stop cleanly"))
		return
	}
	s.ok(w, "robot stopped", nil)
}

func (s *Server) drive(ctx context.Context, v wheeltec.Velocity) (wheeltec.Velocity, error) {
	if !s.robot.IsRunning() {
		return wheeltec.Velocity{}, errRobotNotRunning
	}
	linear := r3.Vector{X: v.LinearX, Y: v.LinearY}
	angular := r3.Vector{Z: v.AngularZ}
	if err := s.robot.SetVelocity(ctx, linear, angular, nil); err != nil {
		return wheeltec.Velocity{}, err
	}
	return wheeltec.NewVelocity(s.robot.LastCommand()), nil
}

func (s *Server) control(ctx context.Context, command string) (wheeltec.Velocity, error) {
	v, ok := controlCommands[command]
	if !ok {
		return wheeltec.Velocity{}, errors.Wrapf(errUnknownCommand, "%q", command)
	}
	return s.drive(ctx, v)
}

func (s *Server) setVelocity(w http.ResponseWriter, r *http.Request) {
	var v wheeltec.Velocity
	if err := decodeBody(w, r, &v); err != nil {
		s.fail(w, err)
		return
	}
	applied, err := s.drive(r.Context(), v)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "", applied)
}

func (s *Server) controlRobot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command string `json:"command"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, err)
		return
	}
	applied, err := s.control(r.Context(), body.Command)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, body.Command, applied)
}

func (s *Server) resetOdometry(w http.ResponseWriter, r *http.Request) {
	s.robot.ResetOdometry()
	s.ok(w, "odometry reset", nil)
}

func (s *Server) robotState(w http.ResponseWriter, r *http.Request) {
	st := s.robot.State()
	s.ok(w, "", RobotState{
		Running:        s.robot.IsRunning(),
		Time:           st.Time,
		Odometry:       st.OdometryReading(),
		IMU:            st.IMUReading(),
		Voltage:        st.Voltage,
		Command:        wheeltec.NewVelocity(s.robot.LastCommand()),
		FramesReceived: st.FramesReceived,
		FramesDropped:  st.FramesDropped,
	})
}

func (s *Server) startVision(w http.ResponseWriter, r *http.Request) {
	if s.vision.IsRunning() {
		s.fail(w, errVisionRunning)
		return
	}
	if err := s.vision.Start(r.Context()); err != nil {
		s.fail(w, errors.Wrap(err, "vision failed to start"))
		return
	}
	s.ok(w, "vision started", nil)
}

// stopVision also drops pickup mode; without frames the machine would hold its last command.
func (s *Server) stopVision(w http.ResponseWriter, r *http.Request) {
	if !s.vision.IsRunning() {
		s.fail(w, errVisionStopped)
		return
	}
	s.vision.Stop()
	if s.pickup.Status().Enabled {
		if err := s.pickup.Disable(r.Context()); err != nil {
			s.logger.Warnw("error disabling pickup after stopping vision", "error", err)
		}
	}
	s.ok(w, "vision stopped", nil)
}

func (s *Server) visionStatus(w http.ResponseWriter, r *http.Request) {
	s.ok(w, "", s.vision.Status())
}

func (s *Server) pickupStatus(w http.ResponseWriter, r *http.Request) {
	s.ok(w, "", s.pickup.Status())
}

func (s *Server) togglePickup(w http.ResponseWriter, r *http.Request) {
	if !s.pickup.Status().Enabled && !s.robot.IsRunning() {
		s.fail(w, errRobotNotRunning)
		return
	}
	st, err := s.pickup.Toggle(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	message := "pickup mode disabled"
	if st.Enabled {
		message = "pickup mode enabled"
	}
	s.ok(w, message, st)
}

func (s *Server) enablePickup(w http.ResponseWriter, r *http.Request) {
	if !s.robot.IsRunning() {
		s.fail(w, errRobotNotRunning)
		return
	}
	if err := s.pickup.Enable(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "pickup mode enabled", s.pickup.Status())
}

func (s *Server) disablePickup(w http.ResponseWriter, r *http.Request) {
	// With the base stopped there is nothing to halt.
	if err := s.pickup.Disable(r.Context()); err != nil && !errors.Is(err, wheeltec.ErrNotRunning) {
		s.fail(w, err)
		return
	}
	s.ok(w, "pickup mode disabled", s.pickup.Status())
}

func (s *Server) restartPickup(w http.ResponseWriter, r *http.Request) {
	if err := s.pickup.Restart(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "search restarted", s.pickup.Status())
}

// emergencyStop always reports the resulting state; a failed stop command is reported
// alongside it.
func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	err := s.pickup.EmergencyStop(r.Context())
	if err != nil && !errors.Is(err, wheeltec.ErrNotRunning) {
		s.writeJSON(w, http.StatusInternalServerError, Reply{
			Status:  "error",
			Message: errors.Wrap(err, "emergency stop engaged but the stop command failed").Error(),
			Data:    s.pickup.Status(),
		})
		return
	}
	s.ok(w, "emergency stop", s.pickup.Status())
}

func (s *Server) pickupParams(w http.ResponseWriter, r *http.Request) {
	s.ok(w, "", s.pickup.Parameters())
}

// updatePickupParams decodes over the current parameters, so a body may set any subset.
func (s *Server) updatePickupParams(w http.ResponseWriter, r *http.Request) {
	p := s.pickup.Parameters()
	if err := decodeBody(w, r, &p); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "parameters updated", s.pickup.UpdateParameters(p))
}

func (s *Server) resetPickupStats(w http.ResponseWriter, r *http.Request) {
	s.pickup.ResetStatistics()
	s.ok(w, "statistics reset", s.pickup.Status().Stats)
}

func (s *Server) systemStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "", st)
}

func (s *Server) connectionStatus() ConnectionStatus {
	return ConnectionStatus{
		Robot:  s.robot.IsRunning(),
		Vision: s.vision.IsRunning(),
		Pickup: s.pickup.Status().Enabled,
	}
}

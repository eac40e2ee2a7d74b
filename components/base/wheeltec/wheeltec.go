// Package wheeltec implements the base driven by a Wheeltec motor controller over a serial link.
//
// The controller accepts 11 byte velocity commands and streams 24 byte reports carrying the
// measured body velocity, raw IMU counts and battery voltage. The base fuses the IMU into an
// orientation, dead-reckons a pose from the measured velocity and publishes both as events.
package wheeltec

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"golang.org/x/time/rate"

	"github.com/courtbot/ballbot/events"
	"github.com/courtbot/ballbot/logging"
	"github.com/courtbot/ballbot/odometry"
	"github.com/courtbot/ballbot/sensorfusion/ahrs"
	"github.com/courtbot/ballbot/serial"
)

// ErrNotRunning is returned by commands issued before Start or after Close.
var ErrNotRunning = errors.New("wheeltec: base is not running")

const (
	defaultLoopPeriod = 10 * time.Millisecond
	// closeTimeout is above the serial read timeout so a blocked read can finish.
	closeTimeout = 3 * time.Second
)

// Config describes how to reach the controller and how to correct its reports.
type Config struct {
	SerialPath     string          `json:"serial_path"`
	BaudRate       int             `json:"serial_baud_rate,omitempty"`
	ReadTimeoutMs  int             `json:"read_timeout_ms,omitempty"`
	LoopPeriodMs   int             `json:"loop_period_ms,omitempty"`
	OdometryScales odometry.Scales `json:"odometry_scales"`
	AHRS           ahrs.Config     `json:"ahrs"`
	// SignedVelocity reads the reported velocities as two's complement. Off, every field is
	// unsigned as on the stock firmware. Voltage is always unsigned.
	SignedVelocity bool `json:"signed_velocity,omitempty"`
}

// DefaultConfig returns the configuration for a stock controller on the default port.
func DefaultConfig() Config {
	return Config{
		SerialPath:     "/dev/ttyACM0",
		BaudRate:       serial.DefaultBaudRate,
		ReadTimeoutMs:  int(serial.DefaultReadTimeout / time.Millisecond),
		LoopPeriodMs:   int(defaultLoopPeriod / time.Millisecond),
		OdometryScales: odometry.DefaultScales(),
		AHRS:           ahrs.DefaultConfig(),
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.SerialPath == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "serial_path")
	}
	if cfg.BaudRate < 0 {
		return utils.NewConfigValidationError(path, errors.New("serial_baud_rate must not be negative"))
	}
	if cfg.LoopPeriodMs < 0 || cfg.ReadTimeoutMs < 0 {
		return utils.NewConfigValidationError(path, errors.New("periods must not be negative"))
	}
	return nil
}

func (cfg Config) serialOptions() serial.Options {
	return serial.Options{
		BaudRate:    cfg.BaudRate,
		ReadTimeout: time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
	}
}

func (cfg Config) loopPeriod() time.Duration {
	if cfg.LoopPeriodMs <= 0 {
		return defaultLoopPeriod
	}
	return time.Duration(cfg.LoopPeriodMs) * time.Millisecond
}

// Option customizes a Base.
type Option func(*Base)

// WithOpener replaces serial.Open, e.g. with a simulated controller.
func WithOpener(open serial.OpenFunc) Option {
	return func(b *Base) {
		b.open = open
	}
}

// WithClock sets the clock used for odometry and snapshots.
func WithClock(clk clock.Clock) Option {
	return func(b *Base) {
		b.clock = clk
	}
}

// WithPublisher sets where odometry, imu, voltage, info and error events go.
func WithPublisher(pub events.Publisher) Option {
	return func(b *Base) {
		b.events = events.Or(pub)
	}
}

// Base is the single writer to the controller's serial link.
type Base struct {
	cfg    Config
	logger logging.Logger
	events events.Publisher
	open   serial.OpenFunc
	clock  clock.Clock

	lifecycleMu sync.Mutex
	workers     *utils.StoppableWorkers

	// writeMu serializes writes and guards port against a concurrent Close.
	writeMu sync.Mutex
	port    io.ReadWriteCloser
	running atomic.Bool

	integrator *odometry.Integrator
	filter     *ahrs.Mahony

	state          atomic.Pointer[State]
	lastCommand    atomic.Pointer[r3.Vector]
	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
	dropLog        *rate.Limiter
}

// NewBase returns a stopped base. Call Start to open the link.
func NewBase(cfg Config, logger logging.Logger, opts ...Option) *Base {
	b := &Base{
		cfg:     cfg,
		logger:  logger,
		events:  events.Discard,
		open:    serial.Open,
		clock:   clock.New(),
		dropLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.integrator = odometry.NewIntegrator(cfg.OdometryScales, b.clock)
	b.filter = ahrs.NewMahony(cfg.AHRS)
	b.state.Store(newState(b.clock.Now()))
	b.lastCommand.Store(&r3.Vector{})
	return b
}

// Start opens the serial link and starts the control loop. It fails closed: if the link cannot
// be opened an error event is published and the base stays stopped.
func (b *Base) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.running.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := b.open(b.cfg.SerialPath, b.cfg.serialOptions())
	if err != nil {
		err = errors.Wrapf(err, "opening controller link %q", b.cfg.SerialPath)
		b.logger.Errorw("cannot start base", "error", err)
		b.events.Publish(events.KindError, events.Message{Source: "base", Message: err.Error()})
		return err
	}

	b.integrator.Reset()
	b.filter.Reset()

	b.writeMu.Lock()
	b.port = port
	b.running.Store(true)
	b.writeMu.Unlock()

	b.workers = utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		b.controlLoop(ctx, port)
	})
	b.logger.Infow("base started", "serial_path", b.cfg.SerialPath)
	b.events.Publish(events.KindInfo, events.Message{Source: "base", Message: "controller link open"})
	return nil
}

// Close stops the robot, waits for the control loop to exit and releases the link.
// It is safe to call more than once.
func (b *Base) Close(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	b.writeMu.Lock()
	if !b.running.Load() {
		b.writeMu.Unlock()
		return nil
	}
	port := b.port
	stopErr := b.writeCommand(r3.Vector{})
	b.running.Store(false)
	b.port = nil
	b.writeMu.Unlock()

	closed, joinErr := b.joinControlLoop(port)
	var closeErr error
	if !closed {
		closeErr = port.Close()
	}
	b.workers = nil

	b.logger.Info("base stopped")
	b.events.Publish(events.KindInfo, events.Message{Source: "base", Message: "controller link closed"})
	return multierr.Combine(
		errors.Wrap(stopErr, "sending stop command"),
		joinErr,
		errors.Wrap(closeErr, "closing controller link"),
	)
}

// joinControlLoop waits for the loop to exit. If a read is still blocked after closeTimeout
// the port is closed early to unblock it, and closed reports that.
func (b *Base) joinControlLoop(port io.Closer) (closed bool, err error) {
	stopped := make(chan struct{})
	workers := b.workers
	utils.PanicCapturingGo(func() {
		defer close(stopped)
		workers.Stop()
	})

	select {
	case <-stopped:
		return false, nil
	case <-time.After(closeTimeout):
	}
	b.logger.Warn("control loop still blocked on a read, closing the link to release it")
	if err := port.Close(); err != nil {
		b.logger.Debugw("early close of controller link", "error", err)
	}
	select {
	case <-stopped:
		return true, nil
	case <-time.After(closeTimeout):
		return true, errors.New("control loop did not exit")
	}
}

// IsRunning reports whether the link is open and the control loop active.
func (b *Base) IsRunning() bool {
	return b.running.Load()
}

// SetVelocity commands linear.X, linear.Y in m/s and angular.Z in rad/s. Values outside what
// the wire format can carry are clamped.
func (b *Base) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if !b.running.Load() {
		return ErrNotRunning
	}
	return b.writeCommand(r3.Vector{X: linear.X, Y: linear.Y, Z: angular.Z})
}

// Stop commands zero velocity.
func (b *Base) Stop(ctx context.Context, extra map[string]interface{}) error {
	return b.SetVelocity(ctx, r3.Vector{}, r3.Vector{}, extra)
}

// writeCommand must be called with writeMu held.
func (b *Base) writeCommand(cmd r3.Vector) error {
	cmd = r3.Vector{
		X: ClampVelocityComponent(cmd.X),
		Y: ClampVelocityComponent(cmd.Y),
		Z: ClampVelocityComponent(cmd.Z),
	}
	if _, err := b.port.Write(EncodeCommand(cmd.X, cmd.Y, cmd.Z)); err != nil {
		return errors.Wrap(err, "writing velocity command")
	}
	b.lastCommand.Store(&cmd)
	return nil
}

// LastCommand returns the last velocity written to the controller; Z is the yaw rate.
func (b *Base) LastCommand() r3.Vector {
	return *b.lastCommand.Load()
}

// ResetOdometry zeroes the pose. The next report only restarts the integration clock, and a
// report already in flight is discarded.
func (b *Base) ResetOdometry() {
	b.integrator.Reset()
	for {
		prev := b.state.Load()
		next := *prev
		next.Pose = odometry.Pose{}
		next.YawQuaternion = b.integrator.YawQuaternion()
		if b.state.CompareAndSwap(prev, &next) {
			break
		}
	}
	b.events.Publish(events.KindInfo, events.Message{Source: "base", Message: "odometry reset"})
}

// State returns the latest fully written snapshot.
func (b *Base) State() State {
	st := *b.state.Load()
	st.FramesReceived = b.framesReceived.Load()
	st.FramesDropped = b.framesDropped.Load()
	return st
}

func (b *Base) controlLoop(ctx context.Context, port io.Reader) {
	reader := NewFrameReader(port)
	ticker := b.clock.Ticker(b.cfg.loopPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := reader.ReadFrame()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			dropped := b.framesDropped.Inc()
			if b.dropLog.Allow() {
				b.logger.Debugw("no frame this cycle", "error", err, "dropped", dropped)
			}
			continue
		}
		b.handleFrame(frame)
	}
}

// handleFrame runs on the control loop only. A ResetOdometry landing while the frame is in
// flight swaps the snapshot first, and the frame is then dropped.
func (b *Base) handleFrame(frame SensorFrame) {
	b.framesReceived.Inc()
	prev := b.state.Load()
	velocity := frame.Velocity()
	if b.cfg.SignedVelocity {
		velocity = frame.SignedVelocity()
	}
	imu := frame.IMU()

	orientation := b.filter.Update(imu.Gyro, imu.Accel)
	pose := b.integrator.Step(velocity)

	st := &State{
		Time:          b.clock.Now(),
		Pose:          pose,
		YawQuaternion: b.integrator.YawQuaternion(),
		Velocity:      velocity,
		Orientation:   orientation,
		IMU:           imu,
		Voltage:       frame.VoltageVolts(),
		Flag:          frame.Flag,
	}
	if !b.state.CompareAndSwap(prev, st) {
		b.logger.Debug("odometry reset during a report, dropping it")
		return
	}

	b.events.Publish(events.KindOdometry, st.OdometryReading())
	b.events.Publish(events.KindIMU, st.IMUReading())
	b.events.Publish(events.KindVoltage, VoltageReading{Volts: st.Voltage})
}

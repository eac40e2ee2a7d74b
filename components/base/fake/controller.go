// Package fake implements a simulated Wheeltec controller that speaks the serial protocol, so
// the base can run without hardware.
package fake

import (
	"io"
	"math"
	"sync"
	"time"

	"github.com/courtbot/ballbot/components/base/wheeltec"
	"github.com/courtbot/ballbot/serial"
)

// DefaultReportPeriod matches the 20 Hz report rate of the real firmware.
const DefaultReportPeriod = 50 * time.Millisecond

const standardGravity = 9.80665

// Controller echoes the last commanded velocity back as the measured velocity, with a level
// IMU whose gyro matches the commanded yaw rate. Velocities are reported as two's complement,
// so a base reading them needs SignedVelocity set.
type Controller struct {
	period time.Duration

	mu         sync.Mutex
	command    wheeltec.Command
	commands   []wheeltec.Command
	writeBuf   []byte
	pending    []byte
	nextReport time.Time
	voltage    float64
	closed     bool
	closeCh    chan struct{}

	// CloseCount is the number of times Close was called.
	CloseCount int
}

// NewController returns a controller reporting every period.
func NewController(period time.Duration) *Controller {
	if period <= 0 {
		period = DefaultReportPeriod
	}
	return &Controller{
		period:     period,
		voltage:    12.0,
		nextReport: time.Now(),
		closeCh:    make(chan struct{}),
	}
}

// Open satisfies serial.OpenFunc, returning a fresh controller.
func Open(devicePath string, options serial.Options) (io.ReadWriteCloser, error) {
	return NewController(DefaultReportPeriod), nil
}

// SetVoltage changes the reported battery voltage.
func (c *Controller) SetVoltage(volts float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voltage = volts
}

// Commands returns every valid command frame received so far.
func (c *Controller) Commands() []wheeltec.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wheeltec.Command(nil), c.commands...)
}

// Write consumes command frames; partial or corrupt bytes are skipped like the firmware does.
func (c *Controller) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	c.writeBuf = append(c.writeBuf, p...)
	for len(c.writeBuf) >= wheeltec.CommandFrameSize {
		if c.writeBuf[0] != wheeltec.FrameHeader {
			c.writeBuf = c.writeBuf[1:]
			continue
		}
		cmd, err := wheeltec.DecodeCommand(c.writeBuf[:wheeltec.CommandFrameSize])
		if err != nil {
			c.writeBuf = c.writeBuf[1:]
			continue
		}
		c.command = cmd
		c.commands = append(c.commands, cmd)
		c.writeBuf = c.writeBuf[wheeltec.CommandFrameSize:]
	}
	return len(p), nil
}

// Read blocks until the next report is due.
func (c *Controller) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	if len(c.pending) == 0 {
		if wait := time.Until(c.nextReport); wait > 0 {
			c.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-c.closeCh:
				timer.Stop()
			}
			c.mu.Lock()
			if c.closed {
				return 0, io.ErrClosedPipe
			}
		}
		c.pending = c.report().Encode()
		c.nextReport = c.nextReport.Add(c.period)
		if now := time.Now(); c.nextReport.Before(now) {
			c.nextReport = now
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *Controller) report() wheeltec.SensorFrame {
	return wheeltec.SensorFrame{
		VX:      wheeltec.EncodeSignedFixedPoint(c.command.VX),
		VY:      wheeltec.EncodeSignedFixedPoint(c.command.VY),
		WZ:      wheeltec.EncodeSignedFixedPoint(c.command.WZ),
		Accel:   [3]int16{0, 0, int16(math.Round(standardGravity * wheeltec.AccelRatio))},
		Gyro:    [3]int16{0, 0, int16(math.Round(c.command.WZ / wheeltec.GyroRatio))},
		Voltage: wheeltec.EncodeFixedPoint(c.voltage),
	}
}

// Close unblocks pending reads. Later reads and writes fail.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCount++
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

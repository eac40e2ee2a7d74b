// Package serial opens and lists the serial ports the motor controller is reachable on.
package serial

import (
	"io"
	"time"

	"github.com/pkg/errors"
	ser "go.bug.st/serial"
)

// Defaults used by the wheeltec controller firmware.
const (
	DefaultBaudRate    = 115200
	DefaultDataBits    = 8
	DefaultReadTimeout = 2 * time.Second
)

// Options to be passed to Open(), closely mirrors go.bug.st/serial's Mode.
type Options struct {
	BaudRate    int
	DataBits    int
	StopBits    StopBits
	Parity      Parity
	ReadTimeout time.Duration
}

// WithDefaults returns a copy of the options with unset fields filled in.
func (o Options) WithDefaults() Options {
	if o.BaudRate == 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = DefaultDataBits
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	return o
}

// Parity describes a serial port parity setting.
type Parity int

const (
	// NoParity disables parity control (default).
	NoParity Parity = iota
	// OddParity enables odd-parity check.
	OddParity
	// EvenParity enables even-parity check.
	EvenParity
)

// StopBits describe a serial port stop bits setting.
type StopBits int

const (
	// OneStopBit sets 1 stop bit (default).
	OneStopBit StopBits = iota
	// OnePointFiveStopBits sets 1.5 stop bits.
	OnePointFiveStopBits
	// TwoStopBits sets 2 stop bits.
	TwoStopBits
)

// OpenFunc is the signature of Open.
type OpenFunc func(devicePath string, options Options) (io.ReadWriteCloser, error)

// Open attempts to open a serial device on the given path. Reads on the returned port return
// (0, nil) once the read timeout expires. It's a variable in case you need to override it
// during tests.
var Open OpenFunc = func(devicePath string, options Options) (io.ReadWriteCloser, error) {
	if devicePath == "" {
		return nil, errors.New("serial device path is empty")
	}
	options = options.WithDefaults()
	mode := &ser.Mode{
		BaudRate: options.BaudRate,
		Parity:   ser.Parity(options.Parity),
		DataBits: options.DataBits,
		StopBits: ser.StopBits(options.StopBits),
	}

	device, err := ser.Open(devicePath, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", devicePath)
	}
	if err := device.SetReadTimeout(options.ReadTimeout); err != nil {
		return nil, errors.Wrap(err, "setting read timeout")
	}
	// drop whatever the controller streamed before we were listening
	if err := device.ResetInputBuffer(); err != nil {
		return nil, errors.Wrap(err, "resetting input buffer")
	}

	return device, nil
}

// ListPorts returns the names of the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := ser.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "listing serial ports")
	}
	return ports, nil
}

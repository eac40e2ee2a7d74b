package wheeltec

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Wire constants shared with the controller firmware.
const (
	FrameHeader = 0x7B
	FrameTail   = 0x7D

	CommandFrameSize = 11
	SensorFrameSize  = 24

	// AccelRatio converts raw accelerometer counts to m/s^2 (raw / AccelRatio).
	AccelRatio = 1671.84
	// GyroRatio converts raw gyroscope counts to rad/s (raw * GyroRatio).
	GyroRatio = 0.00026644

	// MaxVelocityComponent is the largest magnitude an i16 millis field can carry.
	MaxVelocityComponent = math.MaxInt16 / 1000.0
)

// Transient decode failures. None of them is fatal: the frame is dropped and the next cycle retries.
var (
	ErrBadChecksum = errors.New("wheeltec: frame checksum mismatch")
	ErrBadTail     = errors.New("wheeltec: frame tail mismatch")
	ErrBadHeader   = errors.New("wheeltec: frame header mismatch")
	ErrShortRead   = errors.New("wheeltec: short read")
	ErrNoHeader    = errors.New("wheeltec: no frame header found")
)

// IsTransient reports whether err only means "no frame this cycle".
func IsTransient(err error) bool {
	return errors.Is(err, ErrBadChecksum) || errors.Is(err, ErrBadTail) || errors.Is(err, ErrBadHeader) ||
		errors.Is(err, ErrShortRead) || errors.Is(err, ErrNoHeader)
}

// checksum is the XOR (BCC) of buf.
func checksum(buf []byte) byte {
	var bcc byte
	for _, b := range buf {
		bcc ^= b
	}
	return bcc
}

// ClampVelocityComponent limits v to what a command frame can encode.
func ClampVelocityComponent(v float64) float64 {
	return lo.Clamp(v, -MaxVelocityComponent, MaxVelocityComponent)
}

// encodeMillis truncates toward zero, as the firmware expects.
func encodeMillis(v float64) uint16 {
	millis := lo.Clamp(math.Trunc(v*1000), math.MinInt16, math.MaxInt16)
	return uint16(int16(millis))
}

// EncodeCommand builds the 11 byte velocity command frame for (vx, vy, wz).
func EncodeCommand(vx, vy, wz float64) []byte {
	buf := make([]byte, CommandFrameSize)
	buf[0] = FrameHeader
	binary.BigEndian.PutUint16(buf[3:5], encodeMillis(vx))
	binary.BigEndian.PutUint16(buf[5:7], encodeMillis(vy))
	binary.BigEndian.PutUint16(buf[7:9], encodeMillis(wz))
	buf[9] = checksum(buf[:9])
	buf[10] = FrameTail
	return buf
}

// Command is a decoded velocity command frame.
type Command struct {
	VX, VY, WZ float64
}

// DecodeCommand parses an 11 byte command frame.
func DecodeCommand(buf []byte) (Command, error) {
	if len(buf) != CommandFrameSize {
		return Command{}, ErrShortRead
	}
	if buf[0] != FrameHeader {
		return Command{}, ErrBadHeader
	}
	if buf[10] != FrameTail {
		return Command{}, ErrBadTail
	}
	if buf[9] != checksum(buf[:9]) {
		return Command{}, ErrBadChecksum
	}
	field := func(i int) float64 {
		return float64(int16(binary.BigEndian.Uint16(buf[i:i+2]))) / 1000
	}
	return Command{VX: field(3), VY: field(5), WZ: field(7)}, nil
}

// MaxFixedPoint is the largest value an unsigned millis field can carry.
const MaxFixedPoint = math.MaxUint16 / 1000.0

// DecodeFixedPoint converts an unsigned millis field to its physical value as
// raw/1000 + (raw%1000)*0.001.
func DecodeFixedPoint(raw uint16) float64 {
	return float64(raw/1000) + float64(raw%1000)*0.001
}

// EncodeFixedPoint is the inverse of DecodeFixedPoint, rounded to the millis resolution.
// Values outside [0, MaxFixedPoint] are clamped.
func EncodeFixedPoint(v float64) uint16 {
	return uint16(math.Round(lo.Clamp(v, 0, MaxFixedPoint) * 1000))
}

// DecodeSignedFixedPoint reads a millis field as two's complement with truncated division,
// which is how some firmware builds report reverse velocities.
func DecodeSignedFixedPoint(raw uint16) float64 {
	v := int16(raw)
	return float64(v/1000) + float64(v%1000)*0.001
}

// EncodeSignedFixedPoint is the inverse of DecodeSignedFixedPoint.
func EncodeSignedFixedPoint(v float64) uint16 {
	return encodeMillis(ClampVelocityComponent(v))
}

// IMUSample is one accelerometer/gyroscope reading, raw and in SI units.
type IMUSample struct {
	RawAccel [3]int16
	RawGyro  [3]int16
	// Accel in m/s^2.
	Accel r3.Vector
	// Gyro in rad/s.
	Gyro r3.Vector
}

func newIMUSample(accel, gyro [3]int16) IMUSample {
	return IMUSample{
		RawAccel: accel,
		RawGyro:  gyro,
		Accel: r3.Vector{
			X: float64(accel[0]) / AccelRatio,
			Y: float64(accel[1]) / AccelRatio,
			Z: float64(accel[2]) / AccelRatio,
		},
		Gyro: r3.Vector{
			X: float64(gyro[0]) * GyroRatio,
			Y: float64(gyro[1]) * GyroRatio,
			Z: float64(gyro[2]) * GyroRatio,
		},
	}
}

// SensorFrame is the raw content of a 24 byte controller report.
type SensorFrame struct {
	// Flag is the controller's stop flag.
	Flag       byte
	VX, VY, WZ uint16
	Accel      [3]int16
	Gyro       [3]int16
	Voltage    uint16
}

// Velocity returns the measured body velocity with X, Y in m/s and Z the yaw rate in rad/s,
// every field read as unsigned.
func (f SensorFrame) Velocity() r3.Vector {
	return r3.Vector{X: DecodeFixedPoint(f.VX), Y: DecodeFixedPoint(f.VY), Z: DecodeFixedPoint(f.WZ)}
}

// SignedVelocity is Velocity with the fields read as two's complement.
func (f SensorFrame) SignedVelocity() r3.Vector {
	return r3.Vector{X: DecodeSignedFixedPoint(f.VX), Y: DecodeSignedFixedPoint(f.VY), Z: DecodeSignedFixedPoint(f.WZ)}
}

// IMU returns the converted IMU reading.
func (f SensorFrame) IMU() IMUSample {
	return newIMUSample(f.Accel, f.Gyro)
}

// VoltageVolts returns the battery voltage.
func (f SensorFrame) VoltageVolts() float64 {
	return DecodeFixedPoint(f.Voltage)
}

// Encode serializes the frame, checksum and tail included.
func (f SensorFrame) Encode() []byte {
	buf := make([]byte, SensorFrameSize)
	buf[0] = FrameHeader
	buf[1] = f.Flag
	binary.BigEndian.PutUint16(buf[2:4], f.VX)
	binary.BigEndian.PutUint16(buf[4:6], f.VY)
	binary.BigEndian.PutUint16(buf[6:8], f.WZ)
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint16(buf[8+2*i:], uint16(f.Accel[i]))
		binary.BigEndian.PutUint16(buf[14+2*i:], uint16(f.Gyro[i]))
	}
	binary.BigEndian.PutUint16(buf[20:22], f.Voltage)
	buf[22] = checksum(buf[:22])
	buf[23] = FrameTail
	return buf
}

// DecodeSensorFrame validates and parses a 24 byte controller report.
func DecodeSensorFrame(buf []byte) (SensorFrame, error) {
	if len(buf) != SensorFrameSize {
		return SensorFrame{}, ErrShortRead
	}
	if buf[0] != FrameHeader {
		return SensorFrame{}, ErrBadHeader
	}
	if buf[23] != FrameTail {
		return SensorFrame{}, ErrBadTail
	}
	if buf[22] != checksum(buf[:22]) {
		return SensorFrame{}, ErrBadChecksum
	}
	f := SensorFrame{
		Flag:    buf[1],
		VX:      binary.BigEndian.Uint16(buf[2:4]),
		VY:      binary.BigEndian.Uint16(buf[4:6]),
		WZ:      binary.BigEndian.Uint16(buf[6:8]),
		Voltage: binary.BigEndian.Uint16(buf[20:22]),
	}
	for i := 0; i < 3; i++ {
		f.Accel[i] = int16(binary.BigEndian.Uint16(buf[8+2*i:]))
		f.Gyro[i] = int16(binary.BigEndian.Uint16(buf[14+2*i:]))
	}
	return f, nil
}

// maxHeaderScan bounds how many bytes one ReadFrame call discards looking for a header.
const maxHeaderScan = 4 * SensorFrameSize

// FrameReader pulls sensor frames out of a byte stream, scanning byte by byte for the header.
// A rejected frame is discarded whole and scanning resumes with the next incoming byte.
type FrameReader struct {
	r   io.Reader
	buf [SensorFrameSize]byte
}

// NewFrameReader returns a FrameReader over r. An empty read (0, nil), which is how the serial
// port reports an expired read timeout, counts as a short read.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

func (fr *FrameReader) readFull(p []byte) error {
	for len(p) > 0 {
		n, err := fr.r.Read(p)
		p = p[n:]
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return errors.Wrap(ErrShortRead, err.Error())
			}
			return err
		}
		if n == 0 {
			return ErrShortRead
		}
	}
	return nil
}

// ReadFrame returns the next valid frame. Transient failures satisfy IsTransient; any other
// error comes from the underlying reader.
func (fr *FrameReader) ReadFrame() (SensorFrame, error) {
	for scanned := 0; ; scanned++ {
		if scanned >= maxHeaderScan {
			return SensorFrame{}, ErrNoHeader
		}
		if err := fr.readFull(fr.buf[:1]); err != nil {
			return SensorFrame{}, err
		}
		if fr.buf[0] == FrameHeader {
			break
		}
	}
	if err := fr.readFull(fr.buf[1:]); err != nil {
		return SensorFrame{}, err
	}
	return DecodeSensorFrame(fr.buf[:])
}

package wheeltec

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestEncodeCommand(t *testing.T) {
	frame := EncodeCommand(0.2, 0, -0.3)
	test.That(t, frame, test.ShouldResemble, []byte{0x7B, 0, 0, 0x00, 0xC8, 0, 0, 0xFE, 0xD4, 0x99, 0x7D})

	t.Run("truncates toward zero", func(t *testing.T) {
		cmd, err := DecodeCommand(EncodeCommand(0.0019, -0.0019, 1.2349))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cmd.VX, test.ShouldAlmostEqual, 0.001)
		test.That(t, cmd.VY, test.ShouldAlmostEqual, -0.001)
		test.That(t, cmd.WZ, test.ShouldAlmostEqual, 1.234)
	})

	t.Run("saturates out of range values", func(t *testing.T) {
		cmd, err := DecodeCommand(EncodeCommand(40, -40, 0))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cmd.VX, test.ShouldAlmostEqual, 32.767)
		test.That(t, cmd.VY, test.ShouldAlmostEqual, -32.768)
		test.That(t, ClampVelocityComponent(-100), test.ShouldAlmostEqual, -32.767)
	})

	t.Run("rejects corruption", func(t *testing.T) {
		frame := EncodeCommand(0.5, 0.1, 0.2)
		frame[4] ^= 0x10
		_, err := DecodeCommand(frame)
		test.That(t, errors.Is(err, ErrBadChecksum), test.ShouldBeTrue)
		_, err = DecodeCommand(frame[:10])
		test.That(t, errors.Is(err, ErrShortRead), test.ShouldBeTrue)
	})
}

func TestDecodeFixedPoint(t *testing.T) {
	for raw, exp := range map[uint16]float64{
		0:      0,
		1500:   1.5,
		12345:  12.345,
		999:    0.999,
		32768:  32.768,
		40000:  40,
		0xFFFF: 65.535,
	} {
		test.That(t, DecodeFixedPoint(raw), test.ShouldAlmostEqual, exp)
	}
	test.That(t, EncodeFixedPoint(40), test.ShouldEqual, uint16(40000))
	test.That(t, EncodeFixedPoint(65.535), test.ShouldEqual, uint16(0xFFFF))
	test.That(t, EncodeFixedPoint(-1), test.ShouldEqual, uint16(0))
	test.That(t, EncodeFixedPoint(100), test.ShouldEqual, uint16(0xFFFF))
	test.That(t, DecodeFixedPoint(EncodeFixedPoint(12.3)), test.ShouldAlmostEqual, 12.3)
}

func TestDecodeSignedFixedPoint(t *testing.T) {
	for raw, exp := range map[uint16]float64{
		1500:   1.5,
		0xFC18: -1.0,
		0xFE0C: -0.5,
		0xFFFF: -0.001,
	} {
		test.That(t, DecodeSignedFixedPoint(raw), test.ShouldAlmostEqual, exp)
	}
	test.That(t, DecodeSignedFixedPoint(EncodeSignedFixedPoint(-0.25)), test.ShouldAlmostEqual, -0.25)
}

func TestHighVoltageDecodesUnsigned(t *testing.T) {
	buf := SensorFrame{Voltage: 40000, VX: 0xFFFF}.Encode()
	frame, err := DecodeSensorFrame(buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.VoltageVolts(), test.ShouldAlmostEqual, 40)
	test.That(t, frame.Velocity().X, test.ShouldAlmostEqual, 65.535)
	test.That(t, frame.SignedVelocity().X, test.ShouldAlmostEqual, -0.001)
}

func sampleFrame() SensorFrame {
	return SensorFrame{
		Flag:    1,
		VX:      EncodeFixedPoint(0.25),
		VY:      0,
		WZ:      EncodeSignedFixedPoint(-0.4),
		Accel:   [3]int16{0, -120, 16718},
		Gyro:    [3]int16{1000, -1000, 0},
		Voltage: EncodeFixedPoint(12.3),
	}
}

func TestSensorFrameRoundTrip(t *testing.T) {
	buf := sampleFrame().Encode()
	test.That(t, len(buf), test.ShouldEqual, SensorFrameSize)
	test.That(t, buf[0], test.ShouldEqual, byte(FrameHeader))
	test.That(t, buf[23], test.ShouldEqual, byte(FrameTail))

	frame, err := DecodeSensorFrame(buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame, test.ShouldResemble, sampleFrame())

	vel := frame.Velocity()
	test.That(t, vel.X, test.ShouldAlmostEqual, 0.25)
	test.That(t, vel.Y, test.ShouldAlmostEqual, 0)
	test.That(t, vel.Z, test.ShouldAlmostEqual, 65.136)
	signed := frame.SignedVelocity()
	test.That(t, signed.X, test.ShouldAlmostEqual, 0.25)
	test.That(t, signed.Z, test.ShouldAlmostEqual, -0.4)
	test.That(t, frame.VoltageVolts(), test.ShouldAlmostEqual, 12.3)

	imu := frame.IMU()
	test.That(t, imu.RawAccel, test.ShouldResemble, [3]int16{0, -120, 16718})
	test.That(t, imu.Accel.Z, test.ShouldAlmostEqual, 16718/1671.84)
	test.That(t, imu.Accel.Y, test.ShouldAlmostEqual, -120/1671.84)
	test.That(t, imu.Gyro.X, test.ShouldAlmostEqual, 0.26644)
	test.That(t, imu.Gyro.Y, test.ShouldAlmostEqual, -0.26644)
}

func TestSensorFrameSingleByteCorruption(t *testing.T) {
	valid := sampleFrame().Encode()
	for i := 0; i < SensorFrameSize; i++ {
		if i == 22 {
			continue
		}
		for _, mask := range []byte{0x01, 0x80, 0xFF} {
			corrupt := append([]byte{}, valid...)
			corrupt[i] ^= mask
			_, err := DecodeSensorFrame(corrupt)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, IsTransient(err), test.ShouldBeTrue)
		}
	}

	corrupt := append([]byte{}, valid...)
	corrupt[22] ^= 0x04
	_, err := DecodeSensorFrame(corrupt)
	test.That(t, errors.Is(err, ErrBadChecksum), test.ShouldBeTrue)
}

// timeoutReader behaves like a serial port whose read timeout expired.
type timeoutReader struct{}

func (timeoutReader) Read(p []byte) (int, error) {
	return 0, nil
}

func TestFrameReader(t *testing.T) {
	t.Run("skips leading garbage", func(t *testing.T) {
		stream := append([]byte{0x00, 0x12, FrameTail, 0xFF}, sampleFrame().Encode()...)
		fr := NewFrameReader(bytes.NewReader(stream))
		frame, err := fr.ReadFrame()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, frame, test.ShouldResemble, sampleFrame())
	})

	t.Run("drops a bad frame and resumes after it", func(t *testing.T) {
		bad := sampleFrame().Encode()
		bad[5] ^= 0x01
		good := sampleFrame()
		good.Flag = 0
		fr := NewFrameReader(bytes.NewReader(append(bad, good.Encode()...)))

		_, err := fr.ReadFrame()
		test.That(t, errors.Is(err, ErrBadChecksum), test.ShouldBeTrue)

		frame, err := fr.ReadFrame()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, frame.Flag, test.ShouldEqual, byte(0))
	})

	t.Run("short frame", func(t *testing.T) {
		fr := NewFrameReader(bytes.NewReader(sampleFrame().Encode()[:10]))
		_, err := fr.ReadFrame()
		test.That(t, errors.Is(err, ErrShortRead), test.ShouldBeTrue)
	})

	t.Run("read timeout", func(t *testing.T) {
		_, err := NewFrameReader(timeoutReader{}).ReadFrame()
		test.That(t, errors.Is(err, ErrShortRead), test.ShouldBeTrue)
	})

	t.Run("no header", func(t *testing.T) {
		_, err := NewFrameReader(bytes.NewReader(make([]byte, 1024))).ReadFrame()
		test.That(t, errors.Is(err, ErrNoHeader), test.ShouldBeTrue)
	})

	t.Run("reader errors pass through", func(t *testing.T) {
		_, err := NewFrameReader(errReader{io.ErrClosedPipe}).ReadFrame()
		test.That(t, errors.Is(err, io.ErrClosedPipe), test.ShouldBeTrue)
		test.That(t, IsTransient(err), test.ShouldBeFalse)
	})
}

type errReader struct{ err error }

func (r errReader) Read(p []byte) (int, error) {
	return 0, r.err
}

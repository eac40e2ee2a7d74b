package main

import (
	"context"
	"fmt"
	"io"

	"github.com/courtbot/ballbot/components/base/wheeltec"
	"github.com/courtbot/ballbot/logging"
)

// probe prints count decoded reports from r, or runs until ctx is done when count is 0.
// Frames that fail to decode are counted and skipped. With signed set, velocities are read as
// two's complement.
func probe(ctx context.Context, r io.Reader, w io.Writer, count int, signed bool, logger logging.Logger) error {
	reader := wheeltec.NewFrameReader(r)
	var printed, dropped int
	for count == 0 || printed < count {
		if err := ctx.Err(); err != nil {
			break
		}
		frame, err := reader.ReadFrame()
		if err != nil {
			if !wheeltec.IsTransient(err) {
				return err
			}
			dropped++
			logger.Debugw("dropped frame", "error", err)
			continue
		}
		printed++
		v := frame.Velocity()
		if signed {
			v = frame.SignedVelocity()
		}
		imu := frame.IMU()
		fmt.Fprintf(w, "#%d flag=%d vel=(%.3f, %.3f, %.3f) accel=(%.2f, %.2f, %.2f) gyro=(%.3f, %.3f, %.3f) battery=%.2fV\n",
			printed, frame.Flag, v.X, v.Y, v.Z,
			imu.Accel.X, imu.Accel.Y, imu.Accel.Z,
			imu.Gyro.X, imu.Gyro.Y, imu.Gyro.Z,
			frame.VoltageVolts())
	}
	fmt.Fprintf(w, "%d frames, %d dropped\n", printed, dropped)
	return nil
}

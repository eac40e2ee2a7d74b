// Package camera defines an image capturing device.
package camera

import (
	"context"
	"image"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Image after Close.
var ErrClosed = errors.New("camera is closed")

// Properties describe the frames a camera produces.
type Properties struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float32 `json:"frame_rate"`
}

// A Camera delivers color frames on demand.
type Camera interface {
	// Image returns the latest frame. It may block until one is available.
	Image(ctx context.Context) (image.Image, error)
	Properties(ctx context.Context) (Properties, error)
	Close(ctx context.Context) error
}

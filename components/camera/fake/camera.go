// Package fake implements a fake camera that renders a ball sweeping across a plain court.
package fake

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/courtbot/ballbot/components/camera"
)

const (
	initialWidth  = 640
	initialHeight = 480
)

// Colors used when rendering.
var (
	BallColor  = color.RGBA{R: 220, G: 230, B: 40, A: 255}
	CourtColor = color.RGBA{R: 40, G: 90, B: 60, A: 255}
)

// Config are the attributes of the fake camera.
type Config struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
	// BallRadius in pixels; zero renders an empty court.
	BallRadius int `json:"ball_radius,omitempty"`
	// SweepFrames is how many frames one left-right-left sweep of the ball takes.
	SweepFrames int     `json:"sweep_frames,omitempty"`
	FrameRate   float32 `json:"frame_rate,omitempty"`
}

// Validate checks that the config attributes are valid for a fake camera.
func (conf *Config) Validate(path string) error {
	if conf.Height%2 != 0 {
		return errors.Errorf("odd-number resolutions cannot be rendered, cannot use a height of %d", conf.Height)
	}
	if conf.Width%2 != 0 {
		return errors.Errorf("odd-number resolutions cannot be rendered, cannot use a width of %d", conf.Width)
	}
	if conf.BallRadius < 0 || conf.SweepFrames < 0 {
		return errors.New("ball_radius and sweep_frames must not be negative")
	}
	return nil
}

// Camera is a fake camera. Each call to Image advances the ball by one frame.
type Camera struct {
	width, height int
	radius        int
	sweep         int
	frameRate     float32

	mu     sync.Mutex
	frame  int
	hidden bool
	closed bool
}

// NewCamera returns a fake camera.
func NewCamera(conf Config) (*Camera, error) {
	if err := conf.Validate(""); err != nil {
		return nil, err
	}
	c := &Camera{
		width:     conf.Width,
		height:    conf.Height,
		radius:    conf.BallRadius,
		sweep:     conf.SweepFrames,
		frameRate: conf.FrameRate,
	}
	if c.width <= 0 {
		c.width = initialWidth
	}
	if c.height <= 0 {
		c.height = initialHeight
	}
	if c.sweep <= 0 {
		c.sweep = 200
	}
	if c.frameRate <= 0 {
		c.frameRate = 30
	}
	return c, nil
}

// SetBallVisible shows or hides the ball, e.g. to mimic it being picked up.
func (c *Camera) SetBallVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hidden = !visible
}

// BallCenter returns where the ball is drawn in the given frame.
func (c *Camera) BallCenter(frame int) image.Point {
	phase := 2 * math.Pi * float64(frame%c.sweep) / float64(c.sweep)
	margin := float64(c.radius)
	span := float64(c.width) - 2*margin
	x := margin + span*(1-math.Cos(phase))/2
	return image.Pt(int(x), c.height*2/3)
}

// Image renders the next frame.
func (c *Camera) Image(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, camera.ErrClosed
	}
	frame := c.frame
	c.frame++
	hidden := c.hidden
	c.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: CourtColor}, image.Point{}, draw.Src)
	if hidden || c.radius == 0 {
		return img, nil
	}
	center := c.BallCenter(frame)
	rr := c.radius * c.radius
	for y := center.Y - c.radius; y <= center.Y+c.radius; y++ {
		for x := center.X - c.radius; x <= center.X+c.radius; x++ {
			dx, dy := x-center.X, y-center.Y
			if dx*dx+dy*dy <= rr {
				img.SetRGBA(x, y, BallColor)
			}
		}
	}
	return img, nil
}

// Properties returns the configured resolution and frame rate.
func (c *Camera) Properties(ctx context.Context) (camera.Properties, error) {
	return camera.Properties{Width: c.width, Height: c.height, FrameRate: c.frameRate}, nil
}

// Close makes later Image calls fail.
func (c *Camera) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

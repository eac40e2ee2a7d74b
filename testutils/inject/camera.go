package inject

import (
	"context"
	"image"

	"github.com/courtbot/ballbot/components/camera"
)

// Camera is an injected camera.
type Camera struct {
	camera.Camera
	ImageFunc      func(ctx context.Context) (image.Image, error)
	PropertiesFunc func(ctx context.Context) (camera.Properties, error)
	CloseFunc      func(ctx context.Context) error
}

// Image calls the injected Image or the real version.
func (c *Camera) Image(ctx context.Context) (image.Image, error) {
	if c.ImageFunc == nil {
		return c.Camera.Image(ctx)
	}
	return c.ImageFunc(ctx)
}

// Properties calls the injected Properties or the real version.
func (c *Camera) Properties(ctx context.Context) (camera.Properties, error) {
	if c.PropertiesFunc == nil {
		return c.Camera.Properties(ctx)
	}
	return c.PropertiesFunc(ctx)
}

// Close calls the injected Close or the real version.
func (c *Camera) Close(ctx context.Context) error {
	if c.CloseFunc == nil {
		if c.Camera == nil {
			return nil
		}
		return c.Camera.Close(ctx)
	}
	return c.CloseFunc(ctx)
}

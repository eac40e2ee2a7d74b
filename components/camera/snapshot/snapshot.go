// Package snapshot implements a camera that fetches a still JPEG or PNG from an HTTP endpoint for
// every frame, as offered by most IP cameras and by mjpg-streamer's ?action=snapshot.
package snapshot

import (
	"bytes"
	"context"
	"image"
	// register decoders.
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/courtbot/ballbot/components/camera"
	"github.com/courtbot/ballbot/logging"
)

const defaultTimeout = 2 * time.Second

// Config are the attributes of a snapshot camera.
type Config struct {
	URL       string  `json:"url"`
	TimeoutMs int     `json:"timeout_ms,omitempty"`
	FrameRate float32 `json:"frame_rate,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.URL == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "url")
	}
	if conf.TimeoutMs < 0 {
		return utils.NewConfigValidationError(path, errors.New("timeout_ms must not be negative"))
	}
	return nil
}

// Camera fetches one image per Image call.
type Camera struct {
	url       string
	client    *http.Client
	logger    logging.Logger
	frameRate float32

	mu     sync.Mutex
	props  camera.Properties
	closed bool
}

// NewCamera returns a snapshot camera. A nil client uses one with the configured timeout.
func NewCamera(conf Config, client *http.Client, logger logging.Logger) (*Camera, error) {
	if err := conf.Validate(""); err != nil {
		return nil, err
	}
	if client == nil {
		timeout := time.Duration(conf.TimeoutMs) * time.Millisecond
		if timeout == 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Camera{url: conf.URL, client: client, logger: logger, frameRate: conf.FrameRate}, nil
}

func readBytesFromURL(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		utils.UncheckedError(resp.Body.Close())
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("snapshot request returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Image fetches and decodes the current snapshot.
func (c *Camera) Image(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, camera.ErrClosed
	}

	data, err := readBytesFromURL(ctx, c.client, c.url)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't read snapshot url")
	}
	detected := http.DetectContentType(data)
	if !strings.HasPrefix(detected, "image/") {
		return nil, errors.Errorf("cannot decode image from MIME type '%s'", detected)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s snapshot", detected)
	}

	c.mu.Lock()
	b := img.Bounds()
	if c.props.Width != b.Dx() || c.props.Height != b.Dy() {
		c.logger.Debugw("snapshot size", "width", b.Dx(), "height", b.Dy())
	}
	c.props = camera.Properties{Width: b.Dx(), Height: b.Dy(), FrameRate: c.frameRate}
	c.mu.Unlock()
	return img, nil
}

// Properties returns the size of the last snapshot, which is zero before the first.
func (c *Camera) Properties(ctx context.Context) (camera.Properties, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props, nil
}

// Close makes later Image calls fail.
func (c *Camera) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.client.CloseIdleConnections()
	return nil
}

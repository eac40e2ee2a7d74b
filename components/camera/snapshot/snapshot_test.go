package snapshot

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/atomic"
	"go.viam.com/test"

	"github.com/courtbot/ballbot/components/camera"
	"github.com/courtbot/ballbot/logging"
)

func TestConfigValidate(t *testing.T) {
	conf := &Config{}
	err := conf.Validate("vision.camera")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "url")
	test.That(t, (&Config{URL: "http://cam/snap", TimeoutMs: -1}).Validate(""), test.ShouldNotBeNil)
	test.That(t, (&Config{URL: "http://cam/snap"}).Validate(""), test.ShouldBeNil)
}

func TestImage(t *testing.T) {
	ctx := context.Background()
	src := image.NewRGBA(image.Rect(0, 0, 8, 6))
	src.Set(3, 2, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, src), test.ShouldBeNil)

	var broken atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			_, _ = w.Write([]byte("not an image"))
			return
		}
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	cam, err := NewCamera(Config{URL: srv.URL, FrameRate: 10}, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	props, err := cam.Properties(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, props.Width, test.ShouldEqual, 0)

	img, err := cam.Image(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 8)
	r, _, _, _ := img.At(3, 2).RGBA()
	test.That(t, r>>8, test.ShouldEqual, 255)

	props, err = cam.Properties(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, props, test.ShouldResemble, camera.Properties{Width: 8, Height: 6, FrameRate: 10})

	broken.Store(true)
	_, err = cam.Image(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "MIME")

	test.That(t, cam.Close(ctx), test.ShouldBeNil)
	_, err = cam.Image(ctx)
	test.That(t, err, test.ShouldEqual, camera.ErrClosed)
}

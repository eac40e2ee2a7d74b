package remote

import (
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.viam.com/test"
)

func TestDetector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		test.That(t, r.Method, test.ShouldEqual, http.MethodPost)
		test.That(t, r.Header.Get("Content-Type"), test.ShouldEqual, "image/jpeg")
		img, err := jpeg.Decode(r.Body)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, img.Bounds().Dx(), test.ShouldEqual, 64)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"detections":[{"box":[10,20,30,60],"score":0.87,"label":"sports ball"},{"box":[50,5,40,1],"score":0.2}]}`))
	}))
	defer server.Close()

	det := NewDetector(Config{URL: server.URL}, nil)
	dets, err := det(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 48)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 2)
	test.That(t, dets[0].Score, test.ShouldEqual, 0.87)
	test.That(t, dets[0].Label, test.ShouldEqual, "sports ball")
	test.That(t, dets[0].Center().X, test.ShouldEqual, 20.)
	test.That(t, dets[0].Area(), test.ShouldEqual, 800.)
	// corners arrive in any order
	test.That(t, dets[1].BoundingBox.Lo().X, test.ShouldEqual, 40.)
}

func TestDetectorErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	det := NewDetector(Config{URL: server.URL, TimeoutMs: 500}, nil)
	_, err := det(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "model not loaded")

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer bad.Close()
	_, err = NewDetector(Config{URL: bad.URL}, nil)(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "decoding")
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	test.That(t, cfg.Validate("vision.detector"), test.ShouldNotBeNil)
	cfg = Config{URL: "http://localhost:8000/detect", JPEGQuality: 101}
	test.That(t, cfg.Validate("vision.detector"), test.ShouldNotBeNil)
	cfg.JPEGQuality = 90
	test.That(t, cfg.Validate("vision.detector"), test.ShouldBeNil)
}

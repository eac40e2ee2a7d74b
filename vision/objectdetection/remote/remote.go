// Package remote adapts an HTTP inference server into an objectdetection.Detector.
//
// Frames are POSTed as JPEG; the server answers with
//
//	{"detections": [{"box": [x1, y1, x2, y2], "score": 0.87, "label": "sports ball"}]}
//
// with boxes in pixel coordinates of the posted frame.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/courtbot/ballbot/vision/objectdetection"
)

// Config points at the inference endpoint.
type Config struct {
	URL         string `json:"url"`
	TimeoutMs   int    `json:"timeout_ms,omitempty"`
	JPEGQuality int    `json:"jpeg_quality,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.URL == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "url")
	}
	if cfg.JPEGQuality < 0 || cfg.JPEGQuality > 100 {
		return utils.NewConfigValidationError(path, errors.New("jpeg_quality must be within [0, 100]"))
	}
	return nil
}

type response struct {
	Detections []struct {
		Box   [4]float64 `json:"box"`
		Score float64    `json:"score"`
		Label string     `json:"label"`
	} `json:"detections"`
}

// NewDetector returns a detector backed by the server at cfg.URL. A nil client gets one with
// the configured timeout, 2s by default.
func NewDetector(cfg Config, client *http.Client) objectdetection.Detector {
	if client == nil {
		timeout := 2 * time.Second
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
		client = &http.Client{Timeout: timeout}
	}
	quality := cfg.JPEGQuality
	if quality == 0 {
		quality = 80
	}

	return func(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
		var body bytes.Buffer
		if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, errors.Wrap(err, "encoding frame")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "image/jpeg")

		resp, err := client.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, "calling detector")
		}
		defer utils.UncheckedErrorFunc(resp.Body.Close)

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, errors.Errorf("detector returned %s: %s", resp.Status, bytes.TrimSpace(msg))
		}
		var out response
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, errors.Wrap(err, "decoding detector response")
		}

		dets := make([]objectdetection.Detection, 0, len(out.Detections))
		for _, d := range out.Detections {
			dets = append(dets, objectdetection.NewDetection(d.Box[0], d.Box[1], d.Box[2], d.Box[3], d.Score, d.Label))
		}
		return dets, nil
	}
}

// Package objectdetection defines detections and the detector functions that produce them.
package objectdetection

import (
	"context"
	"encoding/json"
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Detection is a scored bounding box in pixel coordinates.
type Detection struct {
	BoundingBox r2.Rect
	Score       float64
	Label       string
}

// NewDetection returns a detection for the box with corners (x1, y1) and (x2, y2), in any order.
func NewDetection(x1, y1, x2, y2, score float64, label string) Detection {
	return Detection{
		BoundingBox: r2.RectFromPoints(r2.Point{X: x1, Y: y1}, r2.Point{X: x2, Y: y2}),
		Score:       score,
		Label:       label,
	}
}

// Box returns the bounding box as [x1, y1, x2, y2].
func (d Detection) Box() [4]float64 {
	low, high := d.BoundingBox.Lo(), d.BoundingBox.Hi()
	return [4]float64{low.X, low.Y, high.X, high.Y}
}

// MarshalJSON writes the detection in the shape detectors report it:
// {"box": [x1, y1, x2, y2], "score": s, "label": l}.
func (d Detection) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Box   [4]float64 `json:"box"`
		Score float64    `json:"score"`
		Label string     `json:"label,omitempty"`
	}{d.Box(), d.Score, d.Label})
}

// Center returns the center of the bounding box.
func (d Detection) Center() r2.Point {
	return d.BoundingBox.Center()
}

// Area returns the bounding box area in square pixels.
func (d Detection) Area() float64 {
	size := d.BoundingBox.Size()
	return size.X * size.Y
}

// Detector returns the detections found in an image.
type Detector func(context.Context, image.Image) ([]Detection, error)

// Postprocessor filters or modifies a list of detections.
type Postprocessor func([]Detection) []Detection

// NewScoreFilter drops detections below a confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		return lo.Filter(in, func(d Detection, _ int) bool {
			return d.Score >= conf
		})
	}
}

// NewAreaFilter drops detections smaller than area square pixels.
func NewAreaFilter(area float64) Postprocessor {
	return func(in []Detection) []Detection {
		return lo.Filter(in, func(d Detection, _ int) bool {
			return d.Area() >= area
		})
	}
}

// NewLabelFilter keeps only detections with one of the labels. No labels keeps everything.
func NewLabelFilter(labels ...string) Postprocessor {
	return func(in []Detection) []Detection {
		if len(labels) == 0 {
			return in
		}
		return lo.Filter(in, func(d Detection, _ int) bool {
			return lo.Contains(labels, d.Label)
		})
	}
}

// Build chains a detector with postprocessors applied in order.
func Build(det Detector, posts ...Postprocessor) (Detector, error) {
	if det == nil {
		return nil, errors.New("object detection pipeline must have a Detector")
	}
	return func(ctx context.Context, img image.Image) ([]Detection, error) {
		dets, err := det(ctx, img)
		if err != nil {
			return nil, err
		}
		for _, post := range posts {
			if post != nil {
				dets = post(dets)
			}
		}
		return dets, nil
	}, nil
}

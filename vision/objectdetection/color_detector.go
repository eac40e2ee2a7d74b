package objectdetection

import (
	"context"
	"image"
	"image/color"
	"math"
)

// colorDetector finds connected regions of pixels close to a target color.
type colorDetector struct {
	target    color.RGBA
	tolerance float64
	minArea   int
	label     string
}

// NewColorDetector returns a detector for blobs within tolerance (Euclidean RGB distance, 0-441)
// of target. Each connected component with at least minArea pixels yields one detection whose
// score is the fraction of its bounding box the blob fills, about 0.78 for a ball.
func NewColorDetector(target color.RGBA, tolerance float64, minArea int, label string) Detector {
	cd := &colorDetector{target: target, tolerance: tolerance, minArea: minArea, label: label}
	return cd.Inference
}

// Inference finds the blobs in img.
func (cd *colorDetector) Inference(ctx context.Context, img image.Image) ([]Detection, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	seen := make([]bool, width*bounds.Dy())
	index := func(p image.Point) int {
		return (p.Y-bounds.Min.Y)*width + (p.X - bounds.Min.X)
	}

	detections := []Detection{}
	queue := []image.Point{}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			pt := image.Pt(x, y)
			if seen[index(pt)] {
				continue
			}
			seen[index(pt)] = true
			if !cd.pass(img.At(x, y)) {
				continue
			}

			queue = append(queue[:0], pt)
			x0, y0, x1, y1 := x, y, x, y
			count := 0
			for len(queue) != 0 {
				p := queue[0]
				queue = queue[1:]
				count++
				x0, x1 = min(x0, p.X), max(x1, p.X)
				y0, y1 = min(y0, p.Y), max(y1, p.Y)
				for _, n := range [4]image.Point{{p.X, p.Y - 1}, {p.X, p.Y + 1}, {p.X - 1, p.Y}, {p.X + 1, p.Y}} {
					if !n.In(bounds) || seen[index(n)] {
						continue
					}
					seen[index(n)] = true
					if cd.pass(img.At(n.X, n.Y)) {
						queue = append(queue, n)
					}
				}
			}
			if count < cd.minArea {
				continue
			}
			boxArea := float64((x1 - x0 + 1) * (y1 - y0 + 1))
			detections = append(detections, NewDetection(
				float64(x0), float64(y0), float64(x1+1), float64(y1+1), float64(count)/boxArea, cd.label))
		}
	}
	return detections, nil
}

func (cd *colorDetector) pass(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	dr := float64(r>>8) - float64(cd.target.R)
	dg := float64(g>>8) - float64(cd.target.G)
	db := float64(b>>8) - float64(cd.target.B)
	return math.Sqrt(dr*dr+dg*dg+db*db) <= cd.tolerance
}

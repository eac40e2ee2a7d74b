// Package pipeline runs the detector over camera frames and hands each result to a handler,
// reading ahead more frames per detection when inference falls behind.
package pipeline

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.viam.com/utils"
	"golang.org/x/time/rate"

	"github.com/courtbot/ballbot/components/camera"
	"github.com/courtbot/ballbot/events"
	"github.com/courtbot/ballbot/logging"
	"github.com/courtbot/ballbot/vision/objectdetection"
)

// Frame skip bounds and the thresholds, as fractions of the frame budget, that move it.
const (
	MinSkip = 1
	MaxSkip = 3

	raiseSkipAbove = 0.8
	lowerSkipBelow = 0.3
)

// Config tunes the pipeline.
type Config struct {
	// TargetFPS sets the frame budget, 1/TargetFPS, that inference is measured against.
	TargetFPS float64 `json:"target_fps,omitempty"`
	// ReadFPS paces camera reads. Zero uses the camera's frame rate, or TargetFPS.
	ReadFPS float64 `json:"read_fps,omitempty"`
	// Window is how many recent inference times are averaged.
	Window int `json:"window,omitempty"`
	// MinSamples is how many inference times are needed before the skip adapts.
	MinSamples int `json:"min_samples,omitempty"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{TargetFPS: 10, Window: 10, MinSamples: 5}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = def.TargetFPS
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	cfg.MinSamples = min(cfg.MinSamples, cfg.Window)
	return cfg
}

func (cfg Config) budget() time.Duration {
	return time.Duration(float64(time.Second) / cfg.TargetFPS)
}

// AdaptSkip returns the next skip count given the mean recent inference time.
func AdaptSkip(skip int, meanInference, budget time.Duration) int {
	switch {
	case float64(meanInference) > raiseSkipAbove*float64(budget):
		skip++
	case float64(meanInference) < lowerSkipBelow*float64(budget):
		skip--
	}
	return lo.Clamp(skip, MinSkip, MaxSkip)
}

// Result is the outcome of running the detector on one frame.
type Result struct {
	Detections    []objectdetection.Detection
	Width, Height int
	InferenceTime time.Duration
	FPS           float64
	Skip          int
	Frame         uint64
}

// Handler consumes results, e.g. the pickup state machine.
type Handler func(ctx context.Context, res Result)

// Summary is the payload of detection events.
type Summary struct {
	Count       int                         `json:"count"`
	Detections  []objectdetection.Detection `json:"detections"`
	FPS         float64                     `json:"fps"`
	InferenceMs float64                     `json:"inference_ms"`
	Skip        int                         `json:"skip"`
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Running         bool    `json:"running"`
	FPS             float64 `json:"fps"`
	Skip            int     `json:"skip"`
	FramesRead      uint64  `json:"frames_read"`
	FramesProcessed uint64  `json:"frames_processed"`
	FramesMissed    uint64  `json:"frames_missed"`
	AvgInferenceMs  float64 `json:"avg_inference_ms"`
	LastDetections  int     `json:"last_detections"`
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock used to pace reads and time inference.
func WithClock(clk clock.Clock) Option {
	return func(p *Pipeline) {
		p.clock = clk
	}
}

// WithPublisher sets where detection and error events go.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) {
		p.events = events.Or(pub)
	}
}

// Pipeline reads frames, detects and dispatches. Start and Stop may be called repeatedly.
type Pipeline struct {
	cfg      Config
	cam      camera.Camera
	detector objectdetection.Detector
	handler  Handler
	logger   logging.Logger
	events   events.Publisher
	clock    clock.Clock
	errLog   *rate.Limiter

	lifecycleMu sync.Mutex
	workers     *utils.StoppableWorkers
	running     atomic.Bool

	// frameMu is held for one whole frame, so frames never overlap.
	frameMu sync.Mutex
	// mu guards the timing windows and is never held across camera or detector calls.
	mu             sync.Mutex
	skip           int
	inference      []float64
	intervals      []float64
	lastProcessed  time.Time
	lastDetections int

	framesRead      atomic.Uint64
	framesProcessed atomic.Uint64
	framesMissed    atomic.Uint64
}

// New returns a stopped pipeline. handler may be nil.
func New(
	cfg Config,
	cam camera.Camera,
	detector objectdetection.Detector,
	handler Handler,
	logger logging.Logger,
	opts ...Option,
) (*Pipeline, error) {
	if cam == nil {
		return nil, errors.New("pipeline needs a camera")
	}
	if detector == nil {
		return nil, errors.New("pipeline needs a detector")
	}
	if handler == nil {
		handler = func(context.Context, Result) {}
	}
	p := &Pipeline{
		cfg:      cfg.withDefaults(),
		cam:      cam,
		detector: detector,
		handler:  handler,
		logger:   logger,
		events:   events.Discard,
		clock:    clock.New(),
		errLog:   rate.NewLimiter(rate.Every(5*time.Second), 1),
		skip:     MinSkip,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start begins processing in the background. Starting a running pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.running.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	period := p.readPeriod(ctx)
	p.running.Store(true)
	p.workers = utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		p.loop(ctx, period)
	})
	p.logger.Infow("vision pipeline started", "read_period", period, "target_fps", p.cfg.TargetFPS)
	p.events.Publish(events.KindInfo, events.Message{Source: "vision", Message: "vision started"})
	return nil
}

// Stop waits for the frame in flight and stops processing. It is safe to call more than once.
func (p *Pipeline) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.running.Load() {
		return
	}
	p.workers.Stop()
	p.workers = nil
	p.running.Store(false)
	p.logger.Info("vision pipeline stopped")
	p.events.Publish(events.KindInfo, events.Message{Source: "vision", Message: "vision stopped"})
}

// IsRunning reports whether the background loop is active.
func (p *Pipeline) IsRunning() bool {
	return p.running.Load()
}

func (p *Pipeline) readPeriod(ctx context.Context) time.Duration {
	fps := p.cfg.ReadFPS
	if fps <= 0 {
		if props, err := p.cam.Properties(ctx); err == nil && props.FrameRate > 0 {
			fps = float64(props.FrameRate)
		}
	}
	if fps <= 0 {
		fps = p.cfg.TargetFPS
	}
	return time.Duration(float64(time.Second) / fps)
}

func (p *Pipeline) loop(ctx context.Context, period time.Duration) {
	ticker := p.clock.Ticker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			if p.errLog.Allow() {
				p.logger.Warnw("vision frame skipped", "error", err)
			}
		}
	}
}

// ProcessOnce reads Skip frames, runs the detector on the last one and dispatches the result.
// Errors mean no result this frame.
func (p *Pipeline) ProcessOnce(ctx context.Context) error {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()

	p.mu.Lock()
	skip := p.skip
	p.mu.Unlock()

	img, err := p.readLatest(ctx, skip)
	if err != nil {
		p.framesMissed.Inc()
		return err
	}

	start := p.clock.Now()
	dets, err := p.detector(ctx, img)
	inference := p.clock.Since(start)
	if err != nil {
		p.framesMissed.Inc()
		return errors.Wrap(err, "running detector")
	}
	p.mu.Lock()
	p.recordInference(inference)
	fps := p.recordProcessed(p.clock.Now())
	p.lastDetections = len(dets)
	skip = p.skip
	p.mu.Unlock()
	frame := p.framesProcessed.Inc()

	bounds := img.Bounds()
	res := Result{
		Detections:    dets,
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
		InferenceTime: inference,
		FPS:           fps,
		Skip:          skip,
		Frame:         frame,
	}
	p.events.Publish(events.KindDetection, Summary{
		Count:       len(dets),
		Detections:  dets,
		FPS:         fps,
		InferenceMs: float64(inference) / float64(time.Millisecond),
		Skip:        skip,
	})
	p.dispatch(ctx, res)
	return nil
}

// readLatest reads skip frames and keeps the newest.
func (p *Pipeline) readLatest(ctx context.Context, skip int) (image.Image, error) {
	var latest image.Image
	for i := 0; i < skip; i++ {
		img, err := p.cam.Image(ctx)
		if err != nil {
			if latest != nil {
				break
			}
			return nil, errors.Wrap(err, "reading camera")
		}
		p.framesRead.Inc()
		latest = img
	}
	return latest, nil
}

func (p *Pipeline) dispatch(ctx context.Context, res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("detection handler panicked", "panic", r)
			p.events.Publish(events.KindError, events.Message{Source: "vision", Message: "detection handler panicked"})
		}
	}()
	p.handler(ctx, res)
}

// recordInference and recordProcessed must be called with mu held.
func (p *Pipeline) recordInference(d time.Duration) {
	p.inference = appendWindow(p.inference, d.Seconds(), p.cfg.Window)
	if len(p.inference) < p.cfg.MinSamples {
		return
	}
	mean, err := stats.Mean(p.inference)
	if err != nil {
		return
	}
	next := AdaptSkip(p.skip, time.Duration(mean*float64(time.Second)), p.cfg.budget())
	if next != p.skip {
		p.logger.Debugw("adjusting frame skip", "from", p.skip, "to", next, "mean_inference", mean)
		p.skip = next
	}
}

// recordProcessed returns the frame rate over the recent processed frames.
func (p *Pipeline) recordProcessed(now time.Time) float64 {
	if !p.lastProcessed.IsZero() {
		p.intervals = appendWindow(p.intervals, now.Sub(p.lastProcessed).Seconds(), p.cfg.Window)
	}
	p.lastProcessed = now
	mean, err := stats.Mean(p.intervals)
	if err != nil || mean <= 0 {
		return 0
	}
	return 1 / mean
}

func appendWindow(window []float64, v float64, size int) []float64 {
	window = append(window, v)
	if len(window) > size {
		window = window[len(window)-size:]
	}
	return window
}

// Status returns counters and the current frame rate and skip. It does not wait for the frame
// in flight.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Running:         p.running.Load(),
		Skip:            p.skip,
		FramesRead:      p.framesRead.Load(),
		FramesProcessed: p.framesProcessed.Load(),
		FramesMissed:    p.framesMissed.Load(),
		LastDetections:  p.lastDetections,
	}
	if mean, err := stats.Mean(p.intervals); err == nil && mean > 0 {
		st.FPS = 1 / mean
	}
	if mean, err := stats.Mean(p.inference); err == nil {
		st.AvgInferenceMs = mean * 1000
	}
	return st
}

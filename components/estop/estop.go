// Package estop watches a normally-open push button on a Raspberry Pi GPIO pin and reports
// presses as emergency stops.
package estop

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
	"go.viam.com/utils"

	"github.com/courtbot/ballbot/logging"
)

const (
	defaultPollMs     = 10
	defaultDebounceMs = 30
	maxBCMPin         = 27
)

// Config describes the button wiring.
type Config struct {
	Enabled bool `json:"enabled,omitempty"`
	// Pin is the BCM GPIO number.
	Pin int `json:"pin"`
	// ActiveHigh means a press pulls the pin high. By default the pin is pulled up and a press
	// shorts it to ground.
	ActiveHigh bool `json:"active_high,omitempty"`
	PollMs     int  `json:"poll_ms,omitempty"`
	DebounceMs int  `json:"debounce_ms,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Pin < 0 || cfg.Pin > maxBCMPin {
		return utils.NewConfigValidationError(path, errors.Errorf("pin %d is not a BCM GPIO number", cfg.Pin))
	}
	if cfg.PollMs < 0 || cfg.DebounceMs < 0 {
		return utils.NewConfigValidationError(path, errors.New("poll_ms and debounce_ms must not be negative"))
	}
	return nil
}

func (cfg Config) pollPeriod() time.Duration {
	if cfg.PollMs <= 0 {
		return defaultPollMs * time.Millisecond
	}
	return time.Duration(cfg.PollMs) * time.Millisecond
}

// samplesToPress is how many consecutive active samples make a press.
func (cfg Config) samplesToPress() int {
	debounce := cfg.DebounceMs
	if debounce == 0 {
		debounce = defaultDebounceMs
	}
	return max(1, int(time.Duration(debounce)*time.Millisecond/cfg.pollPeriod()))
}

// Pin is a readable GPIO line. rpio.Pin satisfies it.
type Pin interface {
	Read() rpio.State
}

// OpenPin maps the GPIO registers and configures the pin as an input with the pull matching
// the wiring. The returned func unmaps the registers.
func OpenPin(cfg Config) (Pin, func() error, error) {
	if err := rpio.Open(); err != nil {
		return nil, nil, errors.Wrap(err, "opening gpio")
	}
	pin := rpio.Pin(cfg.Pin)
	pin.Input()
	if cfg.ActiveHigh {
		pin.PullDown()
	} else {
		pin.PullUp()
	}
	return pin, rpio.Close, nil
}

// Button polls a pin and calls onPress once per debounced press.
type Button struct {
	cfg     Config
	pin     Pin
	onPress func(ctx context.Context)
	logger  logging.Logger
	clock   clock.Clock

	mu      sync.Mutex
	active  int
	latched bool
	presses int

	workers *utils.StoppableWorkers
}

// NewButton returns a button that is not yet polling. A nil clock uses wall time.
func NewButton(cfg Config, pin Pin, onPress func(ctx context.Context), logger logging.Logger, clk clock.Clock) *Button {
	if clk == nil {
		clk = clock.New()
	}
	return &Button{cfg: cfg, pin: pin, onPress: onPress, logger: logger, clock: clk}
}

// Start begins polling.
func (b *Button) Start() {
	b.workers = utils.NewBackgroundStoppableWorkers(b.poll)
	b.logger.Infow("emergency stop button armed", "pin", b.cfg.Pin)
}

func (b *Button) poll(ctx context.Context) {
	ticker := b.clock.Ticker(b.cfg.pollPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sample(ctx)
		}
	}
}

func (b *Button) pressed() bool {
	high := b.pin.Read() == rpio.High
	return high == b.cfg.ActiveHigh
}

// sample reads the pin once and fires onPress on the sample that completes a press.
func (b *Button) sample(ctx context.Context) {
	b.mu.Lock()
	if !b.pressed() {
		b.active = 0
		b.latched = false
		b.mu.Unlock()
		return
	}
	b.active++
	fire := !b.latched && b.active >= b.cfg.samplesToPress()
	if fire {
		b.latched = true
		b.presses++
	}
	b.mu.Unlock()

	if fire {
		b.logger.Warnw("emergency stop button pressed", "pin", b.cfg.Pin)
		b.onPress(ctx)
	}
}

// Presses returns how many presses have been reported.
func (b *Button) Presses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.presses
}

// Close stops polling.
func (b *Button) Close() {
	if b.workers != nil {
		b.workers.Stop()
	}
}

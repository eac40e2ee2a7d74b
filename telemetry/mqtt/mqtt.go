// Package mqtt forwards bus events to an MQTT broker, one topic per event kind.
package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"golang.org/x/time/rate"

	"github.com/courtbot/ballbot/events"
	"github.com/courtbot/ballbot/logging"
)

const (
	defaultTopicPrefix = "ballbot"
	defaultMaxRateHz   = 10
	connectTimeout     = 5 * time.Second
	publishTimeout     = time.Second
	disconnectQuiesce  = 250
)

// Config describes the broker and what to forward.
type Config struct {
	// Broker is a URL such as tcp://localhost:1883. Empty disables telemetry.
	Broker      string `json:"broker,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	QoS         byte   `json:"qos,omitempty"`
	Retained    bool   `json:"retained,omitempty"`
	// Kinds limits forwarding to these event kinds; empty forwards everything.
	Kinds []string `json:"kinds,omitempty"`
	// MaxRateHz throttles each kind; high-rate streams such as odometry are sampled.
	MaxRateHz float64 `json:"max_rate_hz,omitempty"`
}

// Enabled reports whether a broker is configured.
func (cfg *Config) Enabled() bool {
	return cfg.Broker != ""
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if !cfg.Enabled() {
		return nil
	}
	if !strings.Contains(cfg.Broker, "://") {
		return utils.NewConfigValidationError(path, errors.Errorf("broker %q must be a URL like tcp://host:1883", cfg.Broker))
	}
	if cfg.QoS > 2 {
		return utils.NewConfigValidationError(path, errors.New("qos must be 0, 1 or 2"))
	}
	if cfg.MaxRateHz < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_rate_hz must not be negative"))
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "ballbot-" + uuid.NewString()
	}
	if cfg.MaxRateHz == 0 {
		cfg.MaxRateHz = defaultMaxRateHz
	}
	return cfg
}

// Topic returns the topic events of kind are published on.
func (cfg Config) Topic(kind events.Kind) string {
	return cfg.TopicPrefix + "/" + string(kind)
}

// NewClient builds a paho client that reconnects on its own.
func NewClient(cfg Config, logger logging.Logger) paho.Client {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(paho.Client) {
		logger.Infow("connected to MQTT broker", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warnw("MQTT connection lost", "error", err)
	}
	return paho.NewClient(opts)
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithClient uses client instead of connecting to cfg.Broker.
func WithClient(client paho.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// Publisher forwards events from a bus to the broker.
type Publisher struct {
	cfg    Config
	logger logging.Logger
	client paho.Client

	bus     *events.Bus
	sub     *events.Subscription
	workers *utils.StoppableWorkers

	mu       sync.Mutex
	limiters map[events.Kind]*rate.Limiter
}

// NewPublisher connects to the broker and starts forwarding. It does not wait for the broker
// to become reachable; the client keeps retrying in the background.
func NewPublisher(cfg Config, bus *events.Bus, logger logging.Logger, opts ...Option) (*Publisher, error) {
	if err := cfg.Validate("mqtt"); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, errors.New("mqtt broker is not configured")
	}
	p := &Publisher{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		bus:      bus,
		limiters: map[events.Kind]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = NewClient(p.cfg, logger)
	}
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logger.Warnw("MQTT broker not reachable yet, retrying in the background", "broker", p.cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", p.cfg.Broker)
	}

	kinds := make([]events.Kind, 0, len(p.cfg.Kinds))
	for _, k := range p.cfg.Kinds {
		kinds = append(kinds, events.Kind(k))
	}
	p.sub = bus.Subscribe(256, kinds...)
	p.workers = utils.NewBackgroundStoppableWorkers(p.forward)
	return p, nil
}

func (p *Publisher) limiter(kind events.Kind) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[kind]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.MaxRateHz), 1)
		p.limiters[kind] = l
	}
	return l
}

func (p *Publisher) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.sub.C:
			if !ok {
				return
			}
			if p.cfg.MaxRateHz > 0 && !p.limiter(ev.Kind).AllowN(ev.Time, 1) {
				continue
			}
			if err := p.publish(ev); err != nil {
				p.logger.Debugw("MQTT publish failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

func (p *Publisher) publish(ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.cfg.Topic(ev.Kind), p.cfg.QoS, p.cfg.Retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timed out publishing")
	}
	return token.Error()
}

// Close stops forwarding and disconnects.
func (p *Publisher) Close() error {
	p.bus.Unsubscribe(p.sub)
	p.workers.Stop()
	p.client.Disconnect(disconnectQuiesce)
	return nil
}

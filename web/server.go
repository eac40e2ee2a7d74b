// Package web serves the HTTP control surface and pushes bus events to websocket clients.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/samber/lo"
	"go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"github.com/courtbot/ballbot/components/base"
	"github.com/courtbot/ballbot/components/base/wheeltec"
	"github.com/courtbot/ballbot/config"
	"github.com/courtbot/ballbot/events"
	"github.com/courtbot/ballbot/logging"
	"github.com/courtbot/ballbot/services/pickup"
	"github.com/courtbot/ballbot/vision/pipeline"
)

const (
	defaultStatsInterval = 2 * time.Second
	eventBuffer          = 256
	shutdownTimeout      = 5 * time.Second
)

// Robot is the base as the control surface drives it.
type Robot interface {
	base.Base
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	IsRunning() bool
	ResetOdometry()
	State() wheeltec.State
	LastCommand() r3.Vector
}

// Vision is the detection pipeline.
type Vision interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
	Status() pipeline.Status
}

// Pickup is the ball pickup behaviour.
type Pickup interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Toggle(ctx context.Context) (pickup.Status, error)
	EmergencyStop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() pickup.Status
	Parameters() pickup.Parameters
	UpdateParameters(p pickup.Parameters) pickup.Parameters
	ResetStatistics()
}

// Dependencies are the subsystems the server controls. All are required.
type Dependencies struct {
	Robot  Robot
	Vision Vision
	Pickup Pickup
}

// Option customizes a Server.
type Option func(*Server)

// WithStatsFunc replaces the host stats sampler.
func WithStatsFunc(fn StatsFunc) Option {
	return func(s *Server) {
		s.stats = fn
	}
}

// WithClock sets the clock pacing system stats.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		s.clock = clk
	}
}

// Server is the HTTP and websocket front end.
type Server struct {
	cfg      config.WebConfig
	robot    Robot
	vision   Vision
	pickup   Pickup
	bus      *events.Bus
	logger   logging.Logger
	stats    StatsFunc
	clock    clock.Clock
	handler  http.Handler
	hub      *hub
	upgrader websocket.Upgrader

	sub     *events.Subscription
	workers *utils.StoppableWorkers
}

// NewServer builds the routes and starts forwarding bus events and system stats to websocket
// clients. Close stops the forwarding.
func NewServer(
	cfg config.WebConfig,
	deps Dependencies,
	bus *events.Bus,
	logger logging.Logger,
	opts ...Option,
) (*Server, error) {
	if deps.Robot == nil || deps.Vision == nil || deps.Pickup == nil {
		return nil, errors.New("web server needs the robot, vision and pickup subsystems")
	}
	if bus == nil {
		return nil, errors.New("web server needs an event bus")
	}
	s := &Server{
		cfg:    cfg,
		robot:  deps.Robot,
		vision: deps.Vision,
		pickup: deps.Pickup,
		bus:    bus,
		logger: logger,
		stats:  HostStats,
		clock:  clock.New(),
		hub:    newHub(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 5 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
	s.handler = s.routes()

	s.sub = bus.Subscribe(eventBuffer)
	s.workers = utils.NewBackgroundStoppableWorkers(s.forwardEvents, s.publishStats)
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := goji.NewMux()

	mux.HandleFunc(pat.Post("/api/robot/start"), s.startRobot)
	mux.HandleFunc(pat.Post("/api/robot/stop"), s.stopRobot)
	mux.HandleFunc(pat.Post("/api/robot/velocity"), s.setVelocity)
	mux.HandleFunc(pat.Post("/api/robot/control"), s.controlRobot)
	mux.HandleFunc(pat.Post("/api/robot/odometry/reset"), s.resetOdometry)
	mux.HandleFunc(pat.Get("/api/robot/state"), s.robotState)

	mux.HandleFunc(pat.Post("/api/vision/start"), s.startVision)
	mux.HandleFunc(pat.Post("/api/vision/stop"), s.stopVision)
	mux.HandleFunc(pat.Get("/api/vision/status"), s.visionStatus)

	mux.HandleFunc(pat.Get("/api/pickup/status"), s.pickupStatus)
	mux.HandleFunc(pat.Post("/api/pickup/toggle"), s.togglePickup)
	mux.HandleFunc(pat.Post("/api/pickup/enable"), s.enablePickup)
	mux.HandleFunc(pat.Post("/api/pickup/disable"), s.disablePickup)
	mux.HandleFunc(pat.Post("/api/pickup/restart"), s.restartPickup)
	mux.HandleFunc(pat.Post("/api/pickup/estop"), s.emergencyStop)
	mux.HandleFunc(pat.Get("/api/pickup/params"), s.pickupParams)
	mux.HandleFunc(pat.Post("/api/pickup/params"), s.updatePickupParams)
	mux.HandleFunc(pat.Post("/api/pickup/stats/reset"), s.resetPickupStats)

	mux.HandleFunc(pat.Get("/api/system/stats"), s.systemStats)
	mux.HandleFunc(pat.Get("/ws"), s.serveWebsocket)

	corsHandler := cors.AllowAll()
	if len(s.cfg.AllowedOrigins) > 0 {
		corsHandler = cors.New(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"*"},
		})
	}
	return corsHandler.Handler(mux)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(s.cfg.AllowedOrigins, origin) || lo.Contains(s.cfg.AllowedOrigins, "*")
}

// Handler returns the root handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve serves on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Addr:              listener.Addr().String(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           s.handler,
	}

	utils.PanicCapturingGo(func() {
		<-ctx.Done()
		s.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorw("error shutting down", "error", err)
		}
	})

	s.logger.Infow("serving", "url", fmt.Sprintf("http://%s", listener.Addr().String()))
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops event forwarding and disconnects websocket clients.
func (s *Server) Close() {
	s.bus.Unsubscribe(s.sub)
	s.workers.Stop()
	s.hub.closeAll()
}

func (s *Server) forwardEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			s.hub.broadcast(ev)
		}
	}
}

func (s *Server) publishStats(ctx context.Context) {
	interval := defaultStatsInterval
	if s.cfg.StatsIntervalMs > 0 {
		interval = time.Duration(s.cfg.StatsIntervalMs) * time.Millisecond
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st, err := s.stats(ctx)
		if err != nil {
			s.logger.Debugw("cannot sample system stats", "error", err)
			continue
		}
		s.bus.Publish(events.KindSystemStats, st)
	}
}

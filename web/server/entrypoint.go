// Package server implements the entry point for running the robot and its web server.
package server

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/courtbot/ballbot/config"
	"github.com/courtbot/ballbot/logging"
	"github.com/courtbot/ballbot/web"
)

// Arguments are the command line choices that are not part of the config file.
type Arguments struct {
	// Simulated swaps the serial link and camera for fakes.
	Simulated bool
	// Listen overrides the configured listen address.
	Listen string
	// AutoStart starts the base and the vision pipeline before serving.
	AutoStart bool
	// Watch reloads the runtime tunables when the config file changes.
	Watch bool
}

// RunServer builds the robot from cfg and serves it until ctx is done. On the way out the base
// is left stopped.
func RunServer(ctx context.Context, cfg *config.Config, args Arguments, logger logging.Logger) error {
	listen := cfg.Web.Listen
	if args.Listen != "" {
		listen = args.Listen
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", listen)
	}
	return serve(ctx, cfg, args, listener, logger)
}

func serve(ctx context.Context, cfg *config.Config, args Arguments, listener net.Listener, logger logging.Logger) (err error) {
	robot, err := NewRobot(cfg, args.Simulated, logger)
	if err != nil {
		return multierr.Combine(err, listener.Close())
	}
	defer func() {
		err = multierr.Combine(err, robot.Close(context.Background()))
	}()

	if args.AutoStart {
		if err := robot.Base.Start(ctx); err != nil {
			logger.Warnw("base did not start, start it from the control page once the link is up", "error", err)
		}
		if err := robot.Vision.Start(ctx); err != nil {
			logger.Warnw("vision did not start", "error", err)
		}
	}

	if args.Watch && cfg.ConfigFilePath != "" {
		watcher, werr := config.NewWatcher(cfg.ConfigFilePath, 0, logger.Sublogger("config"), robot.ApplyConfig)
		if werr != nil {
			return multierr.Combine(werr, listener.Close())
		}
		defer func() {
			err = multierr.Combine(err, watcher.Close())
		}()
	}

	srv, err := web.NewServer(cfg.Web, web.Dependencies{
		Robot:  robot.Base,
		Vision: robot.Vision,
		Pickup: robot.Pickup,
	}, robot.Bus, logger.Sublogger("web"))
	if err != nil {
		return multierr.Combine(err, listener.Close())
	}
	defer srv.Close()

	return srv.Serve(ctx, listener)
}

// Package main is the ballbot command: it runs the robot and its control page, or probes the
// controller link.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/courtbot/ballbot/config"
	"github.com/courtbot/ballbot/logging"
	"github.com/courtbot/ballbot/serial"
	"github.com/courtbot/ballbot/web/server"
)

const (
	flagConfig    = "config"
	flagDebug     = "debug"
	flagFake      = "fake"
	flagListen    = "listen"
	flagAutoStart = "autostart"
	flagWatch     = "watch"
	flagPort      = "port"
	flagBaud      = "baud"
	flagCount     = "count"
	flagList      = "list"
	flagSigned    = "signed"
)

func main() {
	var (
		cfg    *config.Config
		logger logging.Logger
	)

	app := &cli.App{
		Name:  "ballbot",
		Usage: "run a ball collecting robot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
				EnvVars: []string{"BALLBOT_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if path := c.String(flagConfig); path != "" {
				if cfg, err = config.Read(path); err != nil {
					return err
				}
			} else {
				cfg = config.Default()
			}
			if logger, err = logging.NewFromConfig("ballbot", cfg.Log); err != nil {
				return err
			}
			if c.Bool(flagDebug) {
				logger.SetLevel(logging.DEBUG)
			}
			logging.ReplaceGlobal(logger)
			return nil
		},
		After: func(c *cli.Context) error {
			if logger != nil {
				//nolint:errcheck
				logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the robot and serve the control page",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  flagFake,
						Usage: "simulate the controller and camera",
					},
					&cli.StringFlag{
						Name:  flagListen,
						Usage: "override the configured listen `ADDRESS`",
					},
					&cli.BoolFlag{
						Name:  flagAutoStart,
						Usage: "start the base and vision immediately",
					},
					&cli.BoolFlag{
						Name:  flagWatch,
						Value: true,
						Usage: "apply tuning changes when the config file is edited",
					},
				},
				Action: func(c *cli.Context) error {
					return server.RunServer(c.Context, cfg, server.Arguments{
						Simulated: c.Bool(flagFake),
						Listen:    c.String(flagListen),
						AutoStart: c.Bool(flagAutoStart),
						Watch:     c.Bool(flagWatch),
					}, logger)
				},
			},
			{
				Name:  "probe",
				Usage: "print decoded reports from the controller link",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagPort,
						Usage: "serial `DEVICE`, defaults to the configured one",
					},
					&cli.IntFlag{
						Name:  flagBaud,
						Usage: "baud rate, defaults to the configured one",
					},
					&cli.IntFlag{
						Name:  flagCount,
						Value: 20,
						Usage: "number of reports to print, 0 for no limit",
					},
					&cli.BoolFlag{
						Name:  flagList,
						Usage: "list serial ports and exit",
					},
					&cli.BoolFlag{
						Name:  flagSigned,
						Usage: "read velocities as two's complement, defaults to the configured choice",
					},
				},
				Action: func(c *cli.Context) error {
					if c.Bool(flagList) {
						return listPorts(c)
					}
					port := cfg.Base.SerialPath
					if p := c.String(flagPort); p != "" {
						port = p
					}
					baud := cfg.Base.BaudRate
					if b := c.Int(flagBaud); b > 0 {
						baud = b
					}
					dev, err := serial.Open(port, serial.Options{BaudRate: baud})
					if err != nil {
						return err
					}
					defer func() {
						if err := dev.Close(); err != nil {
							logger.Debugw("closing serial port", "error", err)
						}
					}()
					signed := cfg.Base.SignedVelocity || c.Bool(flagSigned)
					return probe(c.Context, dev, c.App.Writer, c.Int(flagCount), signed, logger)
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		//nolint:gocritic
		os.Exit(1)
	}
}

func listPorts(c *cli.Context) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return errors.Wrap(err, "listing serial ports")
	}
	if len(ports) == 0 {
		fmt.Fprintln(c.App.Writer, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(c.App.Writer, p)
	}
	return nil
}

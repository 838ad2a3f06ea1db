// rcsim: a simulated WiFi RC controller for exercising rclink without
// hardware. Reads RCLINK_PSK and RCLINK_UDP_ADDR.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"dev.c0redev.rclink/internal/config"
	"dev.c0redev.rclink/internal/sim"
	"dev.c0redev.rclink/internal/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "rcsim"
	app.Usage = "simulated WiFi RC controller"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen, l",
			Usage: "UDP address to bind (defaults to RCLINK_UDP_ADDR)",
		},
		cli.IntFlag{
			Name:  "battery",
			Value: 84,
			Usage: "reported battery in tenths of a volt",
		},
		cli.DurationFlag{
			Name:  "interval",
			Usage: "telemetry interval",
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	if cfg.PSK == nil {
		return cli.NewExitError("RCLINK_PSK required", 2)
	}
	addr := c.String("listen")
	if addr == "" {
		addr = cfg.UDPAddr
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	conn, err := transport.ListenUDP(addr)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	opts := sim.DefaultOptions()
	opts.PSK = cfg.PSK
	opts.DeviceID = cfg.DeviceID
	opts.Battery = byte(c.Int("battery"))
	if d := c.Duration("interval"); d > 0 {
		opts.TelemetryInterval = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	dev := sim.New(conn, opts, log)
	log.Info("listening", zap.String("addr", dev.Addr()))
	return dev.Serve(ctx)
}

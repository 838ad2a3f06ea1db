// rclink: connect to an RC controller over Bluetooth Classic, BLE or WiFi and
// stream its telemetry. Settings come from RCLINK_* and the flags below.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dev.c0redev.rclink/internal/blevariant"
	"dev.c0redev.rclink/internal/config"
	"dev.c0redev.rclink/internal/health"
	"dev.c0redev.rclink/internal/link"
	"dev.c0redev.rclink/internal/link/ble"
	"dev.c0redev.rclink/internal/link/classic"
	"dev.c0redev.rclink/internal/link/wifi"
	"dev.c0redev.rclink/internal/platform/rfcomm"
	"dev.c0redev.rclink/internal/platform/tinyble"
	"dev.c0redev.rclink/internal/session"
	"dev.c0redev.rclink/internal/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "rclink"
	app.Usage = "link manager and telemetry console for RC controllers"
	app.Version = "0.1.0"
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "connect",
			Usage: "Connect, print state and telemetry; Ctrl-C engages the emergency stop and exits",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "transport, t",
					Value: "udp",
					Usage: "udp | classic | ble",
				},
				cli.StringFlag{
					Name:  "address, a",
					Usage: "host:port, /dev/rfcommN or MAC (defaults from RCLINK_*)",
				},
				cli.StringFlag{
					Name:  "name, n",
					Usage: "advertised device name; BLE-only module names force BLE",
				},
				cli.StringFlag{
					Name:  "psk",
					Usage: "hex pre-shared key for udp (overrides RCLINK_PSK)",
				},
				cli.StringFlag{
					Name:  "log-level",
					Usage: "debug | info | warn | error",
				},
				cli.BoolFlag{
					Name:  "no-reconnect",
					Usage: "do not reconnect automatically after a link failure",
				},
				cli.BoolFlag{
					Name:  "ceiling",
					Usage: "use the 30s backoff ceiling preset",
				},
			},
			Action: connectCommand,
		},
		cli.Command{
			Name:   "ports",
			Usage:  "List bound RFCOMM ports",
			Action: portsCommand,
		},
		cli.Command{
			Name:   "variants",
			Usage:  "List the BLE UART dialects probed on connect",
			Action: variantsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, err
	}
	if v := c.String("psk"); v != "" {
		psk, err := hex.DecodeString(v)
		if err != nil {
			return cfg, fmt.Errorf("--psk: %w", err)
		}
		cfg.PSK = psk
	}
	if v := c.String("log-level"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return cfg, fmt.Errorf("--log-level: %w", err)
		}
	}
	if c.Bool("ceiling") {
		p := health.CeilingPreset()
		p.BaseDelay = cfg.Health.BaseDelay
		p.MaxReconnectAttempts = cfg.Health.MaxReconnectAttempts
		cfg.Health = p
	}
	return cfg, nil
}

func target(c *cli.Context, cfg config.Config) (link.Device, error) {
	kind, ok := link.ParseDeviceType(c.String("transport"))
	if !ok {
		return link.Device{}, fmt.Errorf("unknown transport %q", c.String("transport"))
	}
	name := c.String("name")
	kind = link.ResolveDeviceType(name, kind)
	addr := c.String("address")
	if addr == "" {
		switch kind {
		case link.DeviceWiFi:
			addr = cfg.UDPAddr
		case link.DeviceClassic:
			addr = cfg.SerialPort
		case link.DeviceLE:
			addr = cfg.BLEAddress
		}
	}
	if addr == "" {
		return link.Device{}, fmt.Errorf("no address for %s; pass --address", kind)
	}
	if name == "" {
		name = addr
	}
	return link.Device{Name: name, Address: addr, Type: kind}, nil
}

func register(ctrl *session.Controller, cfg config.Config, kind link.DeviceType) {
	log := ctrl.Logger()
	switch kind {
	case link.DeviceWiFi:
		opts := wifi.DefaultOptions()
		opts.Queue = cfg.Queue(opts.Queue)
		opts.PSK = cfg.PSK
		ctrl.Register(wifi.New(transport.DialUDP, ctrl, ctrl.Stop(), opts, log))
	case link.DeviceClassic:
		opts := classic.DefaultOptions()
		opts.Queue = cfg.Queue(opts.Queue)
		ctrl.Register(classic.New(rfcomm.New(cfg.Baud, log), ctrl, ctrl.Stop(), opts, log))
	case link.DeviceLE:
		opts := ble.DefaultOptions()
		opts.Queue = cfg.Queue(opts.Queue)
		ctrl.Register(ble.New(tinyble.NewAdapter(log), ctrl, ctrl.Stop(), opts, log))
	}
}

func connectCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	dev, err := target(c, cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	if dev.Type == link.DeviceWiFi && cfg.PSK == nil {
		return cli.NewExitError("udp needs a PSK: set RCLINK_PSK or --psk", 2)
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctrl := session.New(cfg.Session(), log)
	register(ctrl, cfg, dev.Type)
	if c.Bool("no-reconnect") {
		ctrl.SetAutoReconnectEnabled(false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)
	go watch(ctx, ctrl)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go stopOnSignal(ctx, sig, ctrl.SetEmergencyStop, cancel)

	if err := ctrl.Connect(ctx, dev); err != nil && ctx.Err() == nil {
		if !link.IsTransient(err) {
			ctrl.Close()
			return cli.NewExitError(link.UserMessage(err), 1)
		}
		fmt.Fprintln(os.Stderr, "connect:", link.UserMessage(err))
	}

	<-ctx.Done()
	stats := ctrl.PacketStats()
	err = ctrl.Close()
	fmt.Printf("stopped; sent=%d dropped=%d failed=%d\n", stats.Sent, stats.Dropped, stats.Failed)
	return err
}

// stopOnSignal engages the emergency stop and ends the run on the first
// signal, even while Connect is still dialing.
func stopOnSignal(ctx context.Context, sig <-chan os.Signal, estop func(bool), cancel context.CancelFunc) {
	select {
	case <-sig:
		estop(true)
		cancel()
	case <-ctx.Done():
	}
}

// watch prints observable changes until ctx ends.
func watch(ctx context.Context, ctrl *session.Controller) {
	states, stopStates := ctrl.State.Subscribe()
	defer stopStates()
	tel, stopTel := ctrl.Telemetry.Subscribe()
	defer stopTel()
	caps, stopCaps := ctrl.Capabilities.Subscribe()
	defer stopCaps()
	errs, stopErrs := ctrl.LastError.Subscribe()
	defer stopErrs()
	tripped, stopTripped := ctrl.BreakerTripped.Subscribe()
	defer stopTripped()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-states:
			fmt.Println("state:", s)
		case t := <-tel:
			if t != nil {
				fmt.Printf("battery %.1fV  %s\n", t.BatteryVoltage, t.Status)
			}
		case cp := <-caps:
			fmt.Println("capabilities:", cp)
		case e := <-errs:
			if e != "" {
				fmt.Println("error:", e)
			}
		case on := <-tripped:
			if on {
				fmt.Println("auto-reconnect gave up; reconnect manually")
			}
		}
	}
}

func portsCommand(c *cli.Context) error {
	ports, err := rfcomm.Ports()
	if err != nil {
		return cli.NewExitError(link.UserMessage(err), 1)
	}
	for _, p := range ports {
		fmt.Printf("%-12s %s\n", p.Name, p.Address)
	}
	return nil
}

func variantsCommand(c *cli.Context) error {
	for _, v := range blevariant.All() {
		mode := "legacy"
		if v.Split() {
			mode = "split"
		}
		fmt.Printf("%-10s %-6s %s  %s\n", v.ID, mode, v.Service, v.Name)
	}
	return nil
}

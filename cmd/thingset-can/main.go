//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/notnil/thingset/canbus"
	"github.com/notnil/thingset/internal/config"
	"github.com/notnil/thingset/internal/observability"
	"github.com/notnil/thingset/packet"
	"github.com/notnil/thingset/thingset"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "thingset-can: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("thingset-can", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML configuration file")
	iface := fs.String("iface", "", "CAN interface, overrides the config file")
	addr := fs.Int("addr", -1, "own node address, overrides the config file")
	raw := fs.Bool("raw", false, "log every received CAN frame")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage, "\nflags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	cmd, err := parseCommand(fs.Args())
	if err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *iface != "" {
		cfg.Interface = *iface
	}
	if *addr >= 0 {
		if cfg.Address, err = packet.ParseAddress(*addr); err != nil {
			return err
		}
	}
	if cmd.name == "monitor" && len(cmd.subs) == 0 {
		cmd.subs = cfg.Subscribe
	}

	logger := observability.InitLogger("thingset-can", cfg.LogLevel)

	if err := setupInterface(cfg, logger); err != nil {
		return err
	}
	dev, err := canbus.DialSocketCAN(cfg.Interface)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Interface, err)
	}
	defer dev.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	mux := canbus.NewMux(dev)
	defer mux.Close()
	if *raw {
		go dumpFrames(ctx, mux, logger)
	}

	clientBus := mux.Open(packet.ThingSetFrames(cfg.Address), 256)
	defer clientBus.Close()
	client, err := thingset.NewClient(clientBus, cfg.Client(&logger))
	if err != nil {
		return err
	}
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	if cmd.name == "monitor" {
		err = monitor(ctx, client, cmd.subs, os.Stdout)
	} else {
		err = cmd.execute(ctx, client, os.Stdout)
	}
	stop()
	if loopErr := <-runErr; err == nil && loopErr != nil {
		err = loopErr
	}
	return err
}

// setupInterface applies link settings and brings the interface up when the
// config asks for it.
func setupInterface(cfg config.Config, logger zerolog.Logger) error {
	if cfg.Setup.Configured() {
		if err := canbus.SetInterfaceDown(cfg.Interface); err != nil {
			return err
		}
		opts := canbus.LinuxCANInterfaceOptions{
			Bitrate:    cfg.Setup.Bitrate,
			RestartMs:  cfg.Setup.RestartMs,
			TxQueueLen: cfg.Setup.TxQueueLen,
		}
		if err := canbus.ConfigureLinuxCANInterface(cfg.Interface, opts); err != nil {
			return err
		}
		logger.Info().Str("iface", cfg.Interface).Msg("interface configured")
	}
	if !cfg.Setup.BringUp {
		return nil
	}
	up, err := canbus.IsInterfaceUp(cfg.Interface)
	if err != nil {
		return err
	}
	if !up {
		if err := canbus.SetInterfaceUp(cfg.Interface); err != nil {
			return err
		}
		logger.Info().Str("iface", cfg.Interface).Msg("interface up")
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) {
	observability.RegisterMetrics()
	routes := http.NewServeMux()
	routes.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: routes, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// dumpFrames logs every frame on the bus in candump form.
func dumpFrames(ctx context.Context, mux *canbus.Mux, logger zerolog.Logger) {
	view := canbus.NewLoggedBus(mux.Open(nil, 256), logger, zerolog.InfoLevel, canbus.LogRead)
	defer view.Close()
	for {
		if _, err := view.Receive(ctx); err != nil {
			return
		}
	}
}

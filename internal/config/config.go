// Package config loads the TOML configuration of the thingset-can tool.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/notnil/thingset/internal/observability"
	"github.com/notnil/thingset/packet"
	"github.com/notnil/thingset/thingset"
)

// Config is the resolved client configuration.
type Config struct {
	Interface          string
	Address            packet.Address
	Subscribe          []packet.Address
	RequestTimeout     time.Duration
	LongRequestTimeout time.Duration
	FlowControlTimeout time.Duration
	LogLevel           string
	MetricsAddr        string // empty disables the metrics listener
	Setup              InterfaceSetup
}

// InterfaceSetup describes optional CAN interface changes applied before
// dialing. Nil fields leave the interface setting unchanged.
type InterfaceSetup struct {
	BringUp    bool
	Bitrate    *uint32
	RestartMs  *uint32
	TxQueueLen *int
}

// Configured reports whether any link parameter needs changing.
func (s InterfaceSetup) Configured() bool {
	return s.Bitrate != nil || s.RestartMs != nil || s.TxQueueLen != nil
}

type fileConfig struct {
	Interface          string      `toml:"interface"`
	Address            int         `toml:"address"`
	Subscribe          []int       `toml:"subscribe"`
	RequestTimeout     string      `toml:"request_timeout"`
	LongRequestTimeout string      `toml:"long_request_timeout"`
	FlowControlTimeout string      `toml:"flow_control_timeout"`
	LogLevel           string      `toml:"log_level"`
	MetricsAddr        string      `toml:"metrics_addr"`
	Setup              setupConfig `toml:"setup"`
}

type setupConfig struct {
	BringUp    bool   `toml:"bring_up"`
	Bitrate    uint32 `toml:"bitrate"`
	RestartMs  uint32 `toml:"restart_ms"`
	TxQueueLen int    `toml:"txqueuelen"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	client := thingset.DefaultConfig(0x01)
	return Config{
		Interface:          "can0",
		Address:            client.Address,
		RequestTimeout:     client.RequestTimeout,
		LongRequestTimeout: client.LongRequestTimeout,
		FlowControlTimeout: client.FlowControlTimeout,
		LogLevel:           "info",
	}
}

// Load reads path on top of Default. Keys absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("interface") {
		name := strings.TrimSpace(raw.Interface)
		if name == "" {
			return Config{}, fmt.Errorf("interface must not be empty")
		}
		cfg.Interface = name
	}

	if meta.IsDefined("address") {
		addr, err := packet.ParseAddress(raw.Address)
		if err != nil {
			return Config{}, fmt.Errorf("parse address: %w", err)
		}
		cfg.Address = addr
	}

	if meta.IsDefined("subscribe") {
		cfg.Subscribe = make([]packet.Address, 0, len(raw.Subscribe))
		for _, v := range raw.Subscribe {
			addr, err := packet.ParseAddress(v)
			if err != nil {
				return Config{}, fmt.Errorf("parse subscribe: %w", err)
			}
			cfg.Subscribe = append(cfg.Subscribe, addr)
		}
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"long_request_timeout", raw.LongRequestTimeout, &cfg.LongRequestTimeout},
		{"flow_control_timeout", raw.FlowControlTimeout, &cfg.FlowControlTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("parse %s: must be positive, got %v", d.key, v)
		}
		*d.dst = v
	}

	if meta.IsDefined("log_level") {
		level := strings.TrimSpace(raw.LogLevel)
		if _, ok := observability.ParseLevel(level); !ok {
			return Config{}, fmt.Errorf("parse log_level: unknown level %q", level)
		}
		cfg.LogLevel = level
	}

	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("setup", "bring_up") {
		cfg.Setup.BringUp = raw.Setup.BringUp
	}
	if meta.IsDefined("setup", "bitrate") {
		v := raw.Setup.Bitrate
		cfg.Setup.Bitrate = &v
	}
	if meta.IsDefined("setup", "restart_ms") {
		v := raw.Setup.RestartMs
		cfg.Setup.RestartMs = &v
	}
	if meta.IsDefined("setup", "txqueuelen") {
		v := raw.Setup.TxQueueLen
		cfg.Setup.TxQueueLen = &v
	}

	return cfg, nil
}

// Client converts the file settings into a thingset.Config.
func (c Config) Client(logger *zerolog.Logger) thingset.Config {
	return thingset.Config{
		Address:            c.Address,
		RequestTimeout:     c.RequestTimeout,
		LongRequestTimeout: c.LongRequestTimeout,
		FlowControlTimeout: c.FlowControlTimeout,
		Logger:             logger,
	}
}

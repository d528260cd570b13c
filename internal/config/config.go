// Package config loads the host-supplied configuration surface from
// spec.md §6 (bind hosts/ports for the two sockets) plus ambient logging
// settings, the way jmylchreest-tvarr's daemon config binds environment
// variables through viper with an ALVR_-style prefix, and
// malbeclabs-doublezero's uping Config.Validate() idiom for required-field
// checks and default-filling.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the process bootstrap surface spec.md §1 and §6 attribute to
// "the host" rather than the core itself.
type Config struct {
	UDPHost     string
	UDPPort     int
	ControlHost string
	ControlPort int
	LogLevel    string
	LogFormat   string
}

// Default returns a Config with the same defaults ALVR's desktop
// distribution ships: UDP 9944 on all interfaces, control channel 9943 on
// loopback.
func Default() Config {
	return Config{
		UDPHost:     "0.0.0.0",
		UDPPort:     9944,
		ControlHost: "127.0.0.1",
		ControlPort: 9943,
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// Validate checks required fields and fills in defaults for empty hosts and
// log settings, per the uping Config.Validate() idiom. Ports are required:
// a zero port is rejected, not defaulted.
func (c *Config) Validate() error {
	if c.UDPPort <= 0 || c.UDPPort > 65535 {
		return fmt.Errorf("config: invalid udp port %d", c.UDPPort)
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fmt.Errorf("config: invalid control port %d", c.ControlPort)
	}
	if c.UDPHost == "" {
		c.UDPHost = "0.0.0.0"
	}
	if c.ControlHost == "" {
		c.ControlHost = "127.0.0.1"
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	case "":
		c.LogLevel = "info"
	default:
		return fmt.Errorf("config: invalid log level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	case "":
		c.LogFormat = "text"
	default:
		return fmt.Errorf("config: invalid log format %q", c.LogFormat)
	}
	return nil
}

// Load builds a Config from defaults, ALVR_-prefixed environment variables,
// and any explicitly-set flags on fs, in that order of increasing priority
// — the same layering tvarr's daemonViper applies.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ALVR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("udp.host", def.UDPHost)
	v.SetDefault("udp.port", def.UDPPort)
	v.SetDefault("control.host", def.ControlHost)
	v.SetDefault("control.port", def.ControlPort)
	v.SetDefault("log.level", def.LogLevel)
	v.SetDefault("log.format", def.LogFormat)

	if fs != nil {
		bindFlag(v, fs, "udp-host", "udp.host")
		bindFlag(v, fs, "udp-port", "udp.port")
		bindFlag(v, fs, "control-host", "control.host")
		bindFlag(v, fs, "control-port", "control.port")
		bindFlag(v, fs, "log-level", "log.level")
		bindFlag(v, fs, "log-format", "log.format")
	}

	cfg := Config{
		UDPHost:     v.GetString("udp.host"),
		UDPPort:     v.GetInt("udp.port"),
		ControlHost: v.GetString("control.host"),
		ControlPort: v.GetInt("control.port"),
		LogLevel:    v.GetString("log.level"),
		LogFormat:   v.GetString("log.format"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindFlag(v *viper.Viper, fs *pflag.FlagSet, flagName, key string) {
	if f := fs.Lookup(flagName); f != nil {
		_ = v.BindPFlag(key, f)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	SiteID    int64           `mapstructure:"site_id"`
	Gateway   string          `mapstructure:"gateway"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Connect   ConnectConfig   `mapstructure:"connect"`
	USB       USBConfig       `mapstructure:"usb"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig holds the known readers store settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DiscoveryConfig bounds a single search. Zero disables the timeout.
type DiscoveryConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ConnectConfig bounds a single connection attempt. Zero disables the timeout.
type ConnectConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// USBConfig selects the devices the usb gateway treats as card readers.
type USBConfig struct {
	// Devices are "vendor:product" ids in hex. Empty matches all devices.
	Devices        []string      `mapstructure:"devices"`
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

const (
	GatewaySim  = "sim"
	GatewayPCSC = "pcsc"
	GatewayUSB  = "usb"
)

// Load reads configuration from the file at path, or from the default
// location when path is empty, and from env. Env var overrides use prefix
// CARDREADER_. A missing default file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("site_id", 0)
	v.SetDefault("gateway", GatewaySim)
	v.SetDefault("database.path", filepath.Join(dataHome(), "cardreader-settings", "readers.db"))
	v.SetDefault("discovery.timeout", time.Duration(0))
	v.SetDefault("connect.timeout", time.Duration(0))
	v.SetDefault("usb.devices", []string{
		"072f:2200", // ACS ACR122U
		"072f:223b", // ACS ACR1252U
		"04e6:5816", // Identiv uTrust 3700 F
		"076b:5422", // HID Omnikey 5422
	})
	v.SetDefault("usb.rescan_interval", 500*time.Millisecond)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigType("toml")
		v.AddConfigPath(filepath.Join(configHome(), "cardreader-settings"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("CARDREADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "reading config")
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.Gateway {
	case GatewaySim, GatewayPCSC, GatewayUSB:
	default:
		return errors.Errorf("unknown gateway %q, expected %s, %s or %s", c.Gateway, GatewaySim, GatewayPCSC, GatewayUSB)
	}
	if c.Discovery.Timeout < 0 || c.Connect.Timeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

func configHome() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

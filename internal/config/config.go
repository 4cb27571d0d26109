// Package config loads runtime options for a video bot from command-line
// flags and an optional JSON settings file.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/sandipnd/satori-video-bot/internal/notify"
	"github.com/sandipnd/satori-video-bot/internal/util"
)

// Decoder output defaults. Bots that want a different size set the
// corresponding flags.
const (
	DefaultImageWidth  = 320
	DefaultImageHeight = 240
	DefaultMetricsPort = 0 // disabled
)

// Options are the resolved runtime options of one bot process.
type Options struct {
	Endpoint string
	AppKey   string
	Port     string
	Channel  string
	ID       string

	// Bot configuration payload, delivered through the configure command.
	Config     string // inline JSON
	ConfigFile string // path to a JSON file; Config wins when both are set

	ImageWidth  int
	ImageHeight int
	KeepAspect  bool

	UseCBOR     bool
	MetricsPort int

	// SettingsFile optionally points at a JSON file with notification
	// settings.
	SettingsFile string

	Notifications notify.Config
}

// RegisterFlags binds all runtime options to fs.
func RegisterFlags(fs *pflag.FlagSet, opts *Options) {
	fs.StringVar(&opts.Endpoint, "endpoint", "", "RTM endpoint host")
	fs.StringVar(&opts.AppKey, "appkey", "", "RTM application key")
	fs.StringVar(&opts.Port, "port", "443", "RTM endpoint port")
	fs.StringVar(&opts.Channel, "channel", "", "base channel name")
	fs.StringVar(&opts.ID, "id", "", "bot id")
	fs.StringVar(&opts.Config, "config", "", "bot configuration as inline JSON")
	fs.StringVar(&opts.ConfigFile, "config-file", "", "path to a JSON bot configuration file")
	fs.IntVar(&opts.ImageWidth, "input-width", DefaultImageWidth, "decoded image width")
	fs.IntVar(&opts.ImageHeight, "input-height", DefaultImageHeight, "decoded image height")
	fs.BoolVar(&opts.KeepAspect, "keep-aspect-ratio", false, "keep the source aspect ratio when scaling")
	fs.BoolVar(&opts.UseCBOR, "cbor", true, "use CBOR framing instead of JSON")
	fs.IntVar(&opts.MetricsPort, "metrics-port", DefaultMetricsPort, "port for the Prometheus metrics endpoint, 0 disables it")
	fs.StringVar(&opts.SettingsFile, "settings-file", "", "path to a JSON file with notification settings")
}

// Validate checks the required connection options.
func (o *Options) Validate() error {
	for _, check := range []struct {
		field, value string
	}{
		{"endpoint", o.Endpoint},
		{"appkey", o.AppKey},
		{"port", o.Port},
		{"channel", o.Channel},
	} {
		if err := util.ValidateRequired(check.field, check.value); err != nil {
			return fmt.Errorf("%s", err.Message)
		}
	}
	if o.MetricsPort != 0 {
		if err := util.ValidatePort("metrics-port", o.MetricsPort); err != nil {
			return fmt.Errorf("%s", err.Message)
		}
	}
	return nil
}

// Load resolves file-backed options. Call after flag parsing.
func (o *Options) Load() error {
	if o.SettingsFile == "" {
		return nil
	}
	data, err := os.ReadFile(o.SettingsFile)
	if err != nil {
		return util.WrapError("read settings file", err)
	}
	var settings struct {
		Notifications notify.Config `json:"notifications"`
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return util.WrapError("parse settings file", err)
	}
	o.Notifications = settings.Notifications
	return nil
}

// BotConfig returns the parsed bot configuration payload for the configure
// command. An empty object is returned when no configuration was given.
func (o *Options) BotConfig() (map[string]any, error) {
	raw := []byte(o.Config)
	if o.Config == "" && o.ConfigFile != "" {
		data, err := os.ReadFile(o.ConfigFile)
		if err != nil {
			return nil, util.WrapError("read config file", err)
		}
		raw = data
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var config map[string]any
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, util.WrapError("parse bot config", err)
	}
	return config, nil
}

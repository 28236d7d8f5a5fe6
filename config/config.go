package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. ARUCAM_SERVER_PORT
const EnvPrefix = "ARUCAM"

type ServerConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"gt=0,lte=65535"`
}

// Addr returns host:port for the listener
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type CaptureConfig struct {
	Source string        `mapstructure:"source" validate:"required"`
	Width  int           `mapstructure:"width" validate:"gte=0"`
	Height int           `mapstructure:"height" validate:"gte=0"`
	Warmup time.Duration `mapstructure:"warmup" validate:"gte=0"`
}

type CalibrationConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type MarkerConfig struct {
	Dictionary string  `mapstructure:"dictionary" validate:"required"`
	Length     float64 `mapstructure:"length" validate:"gt=0"`
}

type DetectorConfig struct {
	AdaptiveThreshWinSizeMin  int    `mapstructure:"adaptiveThreshWinSizeMin" validate:"gte=0"`
	AdaptiveThreshWinSizeMax  int    `mapstructure:"adaptiveThreshWinSizeMax" validate:"gte=0"`
	AdaptiveThreshWinSizeStep int    `mapstructure:"adaptiveThreshWinSizeStep" validate:"gte=0"`
	CornerRefinement          string `mapstructure:"cornerRefinement" validate:"oneof=none subpix contour apriltag"`
}

type BoardConfig struct {
	MarkersX         int     `mapstructure:"markersX" validate:"gte=1"`
	MarkersY         int     `mapstructure:"markersY" validate:"gte=1"`
	MarkerLength     float64 `mapstructure:"markerLength" validate:"gt=0"`
	MarkerSeparation float64 `mapstructure:"markerSeparation" validate:"gte=0"`
	FirstID          int     `mapstructure:"firstId" validate:"gte=0"`
	DropForeign      bool    `mapstructure:"dropForeign"`
}

type RefineConfig struct {
	MinRepDistance      float64 `mapstructure:"minRepDistance" validate:"gt=0"`
	ErrorCorrectionRate float64 `mapstructure:"errorCorrectionRate"`
	CheckAllOrders      bool    `mapstructure:"checkAllOrders"`
}

type ColorsConfig struct {
	X       string `mapstructure:"x" validate:"omitempty,hexcolor"`
	Y       string `mapstructure:"y" validate:"omitempty,hexcolor"`
	Z       string `mapstructure:"z" validate:"omitempty,hexcolor"`
	Pillar  string `mapstructure:"pillar" validate:"omitempty,hexcolor"`
	Ceiling string `mapstructure:"ceiling" validate:"omitempty,hexcolor"`
	Outline string `mapstructure:"outline" validate:"omitempty,hexcolor"`
}

type OverlayConfig struct {
	Mode           string       `mapstructure:"mode" validate:"oneof=axis cube"`
	Length         float64      `mapstructure:"length" validate:"gt=0"`
	Thickness      int          `mapstructure:"thickness" validate:"gt=0"`
	OutlineMarkers bool         `mapstructure:"outlineMarkers"`
	DrawIDs        bool         `mapstructure:"drawIds"`
	HUD            bool         `mapstructure:"hud"`
	Colors         ColorsConfig `mapstructure:"colors"`
}

type StreamConfig struct {
	JPEGQuality  int           `mapstructure:"jpegQuality" validate:"gte=1,lte=100"`
	PollInterval time.Duration `mapstructure:"pollInterval" validate:"gt=0"`
}

type StatsConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	File  string `mapstructure:"file"`
}

// Config is the complete runtime configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Marker      MarkerConfig      `mapstructure:"marker"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	Board       BoardConfig       `mapstructure:"board"`
	Refine      RefineConfig      `mapstructure:"refine"`
	Overlay     OverlayConfig     `mapstructure:"overlay"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Stats       StatsConfig       `mapstructure:"stats"`
	Log         LogConfig         `mapstructure:"log"`
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"mode":        "overlay.mode",
	"source":      "capture.source",
	"port":        "server.port",
	"host":        "server.host",
	"calibration": "calibration.path",
	"log-level":   "log.level",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 6006)

	v.SetDefault("capture.source", "0")
	v.SetDefault("capture.width", 0)
	v.SetDefault("capture.height", 0)
	v.SetDefault("capture.warmup", "2s")

	v.SetDefault("calibration.path", "./calibration/camera_calibration.json")

	v.SetDefault("marker.dictionary", "5x5_50")
	v.SetDefault("marker.length", 1.0)

	v.SetDefault("detector.adaptiveThreshWinSizeMin", 0)
	v.SetDefault("detector.adaptiveThreshWinSizeMax", 0)
	v.SetDefault("detector.adaptiveThreshWinSizeStep", 0)
	v.SetDefault("detector.cornerRefinement", "none")

	v.SetDefault("board.markersX", 1)
	v.SetDefault("board.markersY", 1)
	v.SetDefault("board.markerLength", 0.09)
	v.SetDefault("board.markerSeparation", 0.01)
	v.SetDefault("board.firstId", 0)
	v.SetDefault("board.dropForeign", true)

	v.SetDefault("refine.minRepDistance", 10.0)
	v.SetDefault("refine.errorCorrectionRate", 3.0)
	v.SetDefault("refine.checkAllOrders", true)

	v.SetDefault("overlay.mode", "axis")
	v.SetDefault("overlay.length", 1.0)
	v.SetDefault("overlay.thickness", 3)
	v.SetDefault("overlay.outlineMarkers", true)
	v.SetDefault("overlay.drawIds", false)
	v.SetDefault("overlay.hud", false)
	v.SetDefault("overlay.colors.x", "#ff0000")
	v.SetDefault("overlay.colors.y", "#00ff00")
	v.SetDefault("overlay.colors.z", "#0000ff")
	v.SetDefault("overlay.colors.pillar", "#0000ff")
	v.SetDefault("overlay.colors.ceiling", "#ff0000")
	v.SetDefault("overlay.colors.outline", "#ff0000")

	v.SetDefault("stream.jpegQuality", 90)
	v.SetDefault("stream.pollInterval", "10ms")

	v.SetDefault("stats.interval", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Flags registers the command line flags Load understands
func Flags(name string) *pflag.FlagSet {
	set := pflag.NewFlagSet(name, pflag.ContinueOnError)
	set.String("config", "", "path to a config file (json, yaml or toml)")
	set.String("mode", "axis", "overlay drawn on each marker: axis or cube")
	set.String("source", "0", "camera index or video file/stream URL")
	set.String("host", "0.0.0.0", "HTTP listen host")
	set.Int("port", 6006, "HTTP listen port")
	set.String("calibration", "./calibration/camera_calibration.json", "camera calibration file")
	set.String("log-level", "info", "log level")
	return set
}

// LoadDotEnv loads KEY=VALUE files into the environment. Missing files are
// ignored; existing variables are never overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load resolves configuration from defaults, an optional file, ARUCAM_
// environment variables and the parsed flag set, in increasing priority. A
// positional argument is taken as the overlay mode unless --mode was given.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" && flags != nil {
		if f := flags.Lookup("config"); f != nil {
			path = f.Value.String()
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("config: binding flag %s: %w", name, err)
			}
		}
		if mode := flags.Lookup("mode"); (mode == nil || !mode.Changed) && flags.NArg() > 0 {
			v.Set("overlay.mode", flags.Arg(0))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}
	cfg.Overlay.Mode = strings.ToLower(strings.TrimSpace(cfg.Overlay.Mode))
	cfg.Detector.CornerRefinement = strings.ToLower(cfg.Detector.CornerRefinement)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field constraint
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("config: invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

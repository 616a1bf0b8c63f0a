package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/callmesh/internal/adapters/devices"
	"github.com/dkeye/callmesh/internal/adapters/records"
	"github.com/dkeye/callmesh/internal/adapters/relay"
	"github.com/dkeye/callmesh/internal/adapters/rtc"
	"github.com/dkeye/callmesh/internal/app/vad"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	LocalID    string `mapstructure:"local_id"`
	LogLevel   string `mapstructure:"log_level"`

	Relay   relay.Config   `mapstructure:"relay"`
	ICE     rtc.ICEConfig  `mapstructure:"ice"`
	Call    CallConfig     `mapstructure:"call"`
	Quality QualityConfig  `mapstructure:"quality"`
	VAD     vad.Config     `mapstructure:"vad"`
	Mesh    MeshConfig     `mapstructure:"mesh"`
	Records records.Config `mapstructure:"records"`
	Devices devices.Config `mapstructure:"devices"`
	Events  EventsConfig   `mapstructure:"events"`
}

type CallConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type QualityConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type MeshConfig struct {
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	AnswerTimeout  time.Duration `mapstructure:"answer_timeout"`
	SpeakingLimit  int           `mapstructure:"speaking_limit"`
	SpeakingWindow time.Duration `mapstructure:"speaking_window"`
}

type EventsConfig struct {
	// MaxDropped kicks a UI subscriber after this many lost events in a row.
	MaxDropped int `mapstructure:"max_dropped"`
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"mode":        "mode",
	"port":        "port",
	"local-id":    "local_id",
	"log-level":   "log_level",
	"relay-url":   "relay.url",
	"relay-codec": "relay.codec",
	"records-url": "records.url",
	"microphone":  "devices.microphone",
	"camera":      "devices.camera",
}

// Flags registers the overridable keys on fs.
func Flags(fs *pflag.FlagSet) {
	fs.String("mode", "", "gin mode: debug or release")
	fs.Int("port", 0, "control API port")
	fs.String("local-id", "", "user id of this client on the relay")
	fs.String("log-level", "", "zerolog level")
	fs.String("relay-url", "", "signaling relay websocket url")
	fs.String("relay-codec", "", "relay frame codec: json or msgpack")
	fs.String("records-url", "", "call records service base url")
	fs.String("microphone", "", "capture device id for audio")
	fs.String("camera", "", "capture device id for video")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "callmesh-dev-secret")
	v.SetDefault("log_level", "info")

	rd := relay.DefaultConfig()
	v.SetDefault("relay.codec", rd.Codec)
	v.SetDefault("relay.ping_period", rd.PingPeriod)
	v.SetDefault("relay.write_wait", rd.WriteWait)
	v.SetDefault("relay.reconnect_min", rd.ReconnectMin)
	v.SetDefault("relay.reconnect_max", rd.ReconnectMax)
	v.SetDefault("relay.read_limit", rd.ReadLimit)
	v.SetDefault("relay.send_buffer", rd.SendBuffer)

	v.SetDefault("ice.stun", rtc.DefaultICEConfig().STUN)

	v.SetDefault("call.timeout", "30s")
	v.SetDefault("quality.interval", "3s")

	vd := vad.DefaultConfig()
	v.SetDefault("vad.interval", vd.Interval)
	v.SetDefault("vad.threshold", vd.Threshold)
	v.SetDefault("vad.hangover", vd.Hangover)

	v.SetDefault("mesh.retry_attempts", 2)
	v.SetDefault("mesh.retry_backoff", "2s")
	v.SetDefault("mesh.answer_timeout", "15s")
	v.SetDefault("mesh.speaking_limit", 4)
	v.SetDefault("mesh.speaking_window", "2s")

	v.SetDefault("records.timeout", "5s")

	dd := devices.DefaultConfig()
	v.SetDefault("devices.audio_bitrate", dd.AudioBitrate)
	v.SetDefault("devices.width", dd.Width)
	v.SetDefault("devices.height", dd.Height)

	v.SetDefault("events.max_dropped", 32)
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults, then
// CALLMESH_* environment variables, then any flag set on fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("CALLMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("local_id", cfg.LocalID).
		Str("relay", cfg.Relay.URL).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Mesh.RetryAttempts < 0 {
		return fmt.Errorf("mesh.retry_attempts must not be negative")
	}
	return nil
}

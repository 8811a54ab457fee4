// clipper/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port       string `mapstructure:"PORT"`
	BaseURL    string `mapstructure:"BASE"`
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`

	// Redis backs both the job store and the queue. Leave the address
	// empty to run fully in-memory (dev / tests).
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	QueueName     string `mapstructure:"QUEUE_NAME"`

	Workers          int           `mapstructure:"WORKERS"`
	JobAttempts      int           `mapstructure:"JOB_ATTEMPTS"`
	RetryBackoffBase time.Duration `mapstructure:"RETRY_BACKOFF_BASE"`
	RetryBackoffCap  time.Duration `mapstructure:"RETRY_BACKOFF_CAP"`

	FetchAttempts  int           `mapstructure:"FETCH_ATTEMPTS"`
	WatchdogWindow time.Duration `mapstructure:"WATCHDOG_WINDOW"`
	SegmentBuffer  float64       `mapstructure:"SEGMENT_BUFFER_SECONDS"`
	MaxSourceSize  int64         `mapstructure:"MAX_SOURCE_SIZE"`
	OutputLifetime time.Duration `mapstructure:"OUTPUT_LIFETIME"`
	OutputDir      string        `mapstructure:"OUTPUT_DIR"`

	FFmpegBin  string `mapstructure:"FFMPEG_BIN"`
	FFprobeBin string `mapstructure:"FFPROBE_BIN"`
	YtDlpBin   string `mapstructure:"YTDLP_BIN"`

	// ExtraEncoderArgs is appended to every clip transcode invocation,
	// split shell-style. Deployment tuning knob, never user input.
	ExtraEncoderArgs string `mapstructure:"EXTRA_ENCODER_ARGS"`

	CookiesPath     string        `mapstructure:"COOKIES_PATH"`
	RefreshCommand  string        `mapstructure:"REFRESH_COMMAND"`
	RefreshCooldown time.Duration `mapstructure:"REFRESH_COOLDOWN"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	TempRoot string
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to time.Duration.
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		// It is a string -> time.Duration. Parse it.
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to int64s for byte sizes.
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")

	vp.SetDefault("REDIS_ADDR", "")
	vp.SetDefault("REDIS_PASSWORD", "")
	vp.SetDefault("REDIS_DB", 0)
	vp.SetDefault("QUEUE_NAME", "video-processing")

	vp.SetDefault("WORKERS", 2)
	vp.SetDefault("JOB_ATTEMPTS", 3)
	vp.SetDefault("RETRY_BACKOFF_BASE", "5s")
	vp.SetDefault("RETRY_BACKOFF_CAP", "1m")

	vp.SetDefault("FETCH_ATTEMPTS", 3)
	vp.SetDefault("WATCHDOG_WINDOW", "2m")
	vp.SetDefault("SEGMENT_BUFFER_SECONDS", 2.0)
	vp.SetDefault("MAX_SOURCE_SIZE", "2GB")
	vp.SetDefault("OUTPUT_LIFETIME", "24h")
	vp.SetDefault("OUTPUT_DIR", "")

	vp.SetDefault("FFMPEG_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("YTDLP_BIN", "yt-dlp")
	vp.SetDefault("EXTRA_ENCODER_ARGS", "")

	vp.SetDefault("COOKIES_PATH", "")
	vp.SetDefault("REFRESH_COMMAND", "")
	vp.SetDefault("REFRESH_COOLDOWN", "15m")

	vp.SetDefault("THROTTLE_CPU", 50.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")

	// Load from config file
	vp.SetConfigName("clipper_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/clipper/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("CLIPPER")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// Unmarshal the config, providing our custom composed hooks.
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ffcluster/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is shared by the coordinator and the worker binaries. It is built once
// in main and handed to every component that needs it.
type Config struct {
	FFBin               string        `mapstructure:"FF_BIN"`
	FFProbeBin          string        `mapstructure:"FFPROBE_BIN"`
	FFTimeout           time.Duration `mapstructure:"FF_TIMEOUT"`
	ProbeTimeout        time.Duration `mapstructure:"PROBE_TIMEOUT"`
	OutputLocalLifetime time.Duration `mapstructure:"OUTPUT_LOCAL_LIFETIME"`
	MaxInputSize        int64         `mapstructure:"MAX_INPUT_SIZE"`
	MaxConcurrency      int           `mapstructure:"MAX_CONCURRENCY"`
	ThrottleCPU         float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem     int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk    int64         `mapstructure:"THROTTLE_FREEDISK"`
	AuthEnable          bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey             string        `mapstructure:"AUTH_KEY"`
	Port                string        `mapstructure:"PORT"`
	BaseURL             string        `mapstructure:"BASE"`
	WorkDir             string        `mapstructure:"WORK_DIR"`

	// Cluster
	WorkerURLs        []string      `mapstructure:"WORKER_URLS"`
	WorkerDNS         string        `mapstructure:"WORKER_DNS"`
	WorkerDNSPort     string        `mapstructure:"WORKER_DNS_PORT"`
	WorkerDNSScheme   string        `mapstructure:"WORKER_DNS_SCHEME"`
	HealthTimeout     time.Duration `mapstructure:"HEALTH_TIMEOUT"`
	ChunkTimeout      time.Duration `mapstructure:"CHUNK_TIMEOUT"`
	MinHealthyWorkers int           `mapstructure:"MIN_HEALTHY_WORKERS"`
	FallbackEnable    bool          `mapstructure:"FALLBACK_ENABLE"`

	// Worker service
	WorkerPort         string        `mapstructure:"WORKER_PORT"`
	WorkerFileLifetime time.Duration `mapstructure:"WORKER_FILE_LIFETIME"`

	// Task records and output publishing
	RedisAddr string        `mapstructure:"REDIS_ADDR"`
	TaskTTL   time.Duration `mapstructure:"TASK_TTL"`
	S3Bucket  string        `mapstructure:"S3_BUCKET"`
	S3Region  string        `mapstructure:"S3_REGION"`
	S3Prefix  string        `mapstructure:"S3_PREFIX"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	LogFile   string `mapstructure:"LOG_FILE"`

	TempDir string
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
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

// stringToListHookFunc turns "a, b,,c" into []string{"a", "b", "c"}.
func stringToListHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]string{}) {
			return data, nil
		}
		return SplitList(data.(string)), nil
	}
}

// SplitList splits a comma separated value, trimming blanks and dropping empty items.
func SplitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("FF_TIMEOUT", "10m")
	vp.SetDefault("PROBE_TIMEOUT", "30s")
	vp.SetDefault("OUTPUT_LOCAL_LIFETIME", "1h23m")
	vp.SetDefault("MAX_INPUT_SIZE", "2GB")
	vp.SetDefault("MAX_CONCURRENCY", 1)
	vp.SetDefault("THROTTLE_CPU", 50.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("WORK_DIR", "")

	vp.SetDefault("WORKER_URLS", "")
	vp.SetDefault("WORKER_DNS", "")
	vp.SetDefault("WORKER_DNS_PORT", "7860")
	vp.SetDefault("WORKER_DNS_SCHEME", "http")
	vp.SetDefault("HEALTH_TIMEOUT", "10s")
	vp.SetDefault("CHUNK_TIMEOUT", "5m")
	vp.SetDefault("MIN_HEALTHY_WORKERS", 2)
	vp.SetDefault("FALLBACK_ENABLE", true)

	vp.SetDefault("WORKER_PORT", "7860")
	vp.SetDefault("WORKER_FILE_LIFETIME", "30m")

	vp.SetDefault("REDIS_ADDR", "")
	vp.SetDefault("TASK_TTL", "24h")
	vp.SetDefault("S3_BUCKET", "")
	vp.SetDefault("S3_REGION", "us-east-1")
	vp.SetDefault("S3_PREFIX", "ffcluster")

	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "json")
	vp.SetDefault("LOG_FILE", "")

	// Load from config file
	vp.SetConfigName("ffcluster_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/ffcluster/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("FFCLUSTER")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
			stringToListHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

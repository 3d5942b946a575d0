package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

// EnvPrefix is prepended to every environment override, e.g. HDRT_LOG_LEVEL.
const EnvPrefix = "HDRT"

// Config holds all the settings for the worker.
type Config struct {
	WorkerID        string `mapstructure:"worker_id"`
	ListenAddr      string `mapstructure:"listen_addr"`
	OrchestratorURL string `mapstructure:"orchestrator_url"`
	HeartbeatSec    int    `mapstructure:"heartbeat_seconds"`
	QueueSize       int    `mapstructure:"queue_size"`

	Log      LogConfig      `mapstructure:"log"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Platform PlatformConfig `mapstructure:"platform"`

	// Defaults applied to jobs that leave a field at zero.
	Transcode models.TranscodeConfig `mapstructure:"transcode"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	File  string `mapstructure:"file"`
}

// PipelineConfig bounds the waits inside a running session.
type PipelineConfig struct {
	RelayTimeout time.Duration `mapstructure:"relay_timeout"`
	FrameTimeout time.Duration `mapstructure:"frame_timeout"`
}

// PlatformConfig describes the local codec and GPU capabilities.
type PlatformConfig struct {
	HDRFormatKeys          bool   `mapstructure:"hdr_format_keys"`
	DolbyDvheSt            bool   `mapstructure:"dolby_dvhe_st"`
	NativeFrameRateControl bool   `mapstructure:"native_frame_rate_control"`
	FrameDropKey           bool   `mapstructure:"frame_drop_key"`
	TenBitSurface          bool   `mapstructure:"ten_bit_surface"`
	GPUExtensions          string `mapstructure:"gpu_extensions"`
}

// Features converts the platform section into codec features.
func (p PlatformConfig) Features() platform.Features {
	return platform.Features{
		HDRFormatKeys:          p.HDRFormatKeys,
		DolbyDvheSt:            p.DolbyDvheSt,
		NativeFrameRateControl: p.NativeFrameRateControl,
		FrameDropKey:           p.FrameDropKey,
	}
}

// Flags declares the command line overrides. Flag names use dashes; Load
// maps them onto the dotted config keys.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "config.yml", "path to the YAML config file")
	fs.String("worker-id", "", "worker identifier reported to the orchestrator")
	fs.String("listen-addr", "", "address of the job API")
	fs.String("orchestrator-url", "", "orchestrator base URL; empty disables reporting")
	fs.String("log-level", "", "trace, debug, info, warn or error")
	fs.Bool("log-json", false, "emit JSON logs")
	fs.String("log-file", "", "also append logs to this file")
	fs.Duration("relay-timeout", 0, "bound on the HDR10+ relay wait")
	fs.Duration("frame-timeout", 0, "bound on the wait for a decoded frame")
}

var flagKeys = map[string]string{
	"worker-id":        "worker_id",
	"listen-addr":      "listen_addr",
	"orchestrator-url": "orchestrator_url",
	"log-level":        "log.level",
	"log-json":         "log.json",
	"log-file":         "log.file",
	"relay-timeout":    "pipeline.relay_timeout",
	"frame-timeout":    "pipeline.frame_timeout",
}

// Load merges defaults, the YAML file, HDRT_ environment variables and any
// flags set on fs, in increasing priority. fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// 1. Set Defaults
	hostname, _ := os.Hostname()
	v.SetDefault("worker_id", hostname)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("heartbeat_seconds", 15)
	v.SetDefault("queue_size", 16)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("pipeline.relay_timeout", time.Second)
	v.SetDefault("pipeline.frame_timeout", 2500*time.Millisecond)
	v.SetDefault("platform.hdr_format_keys", true)
	v.SetDefault("platform.dolby_dvhe_st", true)
	v.SetDefault("platform.native_frame_rate_control", true)
	v.SetDefault("platform.frame_drop_key", true)
	v.SetDefault("platform.ten_bit_surface", true)
	v.SetDefault("platform.gpu_extensions", "")
	v.SetDefault("orchestrator_url", "")
	v.SetDefault("transcode.hevc", true)
	v.SetDefault("transcode.keep_hdr", true)
	v.SetDefault("transcode.bitrate", 0)
	v.SetDefault("transcode.fps", 0)

	// 2. Read from File
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	// 3. Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Flags that were set explicitly
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	if c.WorkerID == "" {
		return errors.New("worker_id is required")
	}
	if c.HeartbeatSec <= 0 {
		return fmt.Errorf("heartbeat_seconds must be positive, got %d", c.HeartbeatSec)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	if c.Pipeline.RelayTimeout <= 0 || c.Pipeline.FrameTimeout <= 0 {
		return errors.New("pipeline timeouts must be positive")
	}
	return nil
}

// ApplyDefaults fills zero fields of job from the transcode section.
func (c *Config) ApplyDefaults(job models.TranscodeConfig) models.TranscodeConfig {
	d := c.Transcode
	if job.Bitrate == 0 {
		job.Bitrate = d.Bitrate
	}
	if job.FPS == 0 {
		job.FPS = d.FPS
	}
	if job.OutWidth == 0 && job.OutHeight == 0 {
		job.OutWidth, job.OutHeight = d.OutWidth, d.OutHeight
	}
	return job
}

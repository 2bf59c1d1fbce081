package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
)

const DefaultPath = "/etc/framewatch/config.json"

type Config struct {
	Driver      string `json:"driver"`
	Device      string `json:"device"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	PixelFormat string `json:"pixel_format"`
	BufferCount int    `json:"buffer_count"`
	DurationSec int    `json:"duration_sec"`

	FrameDurationMinUs int `json:"frame_duration_min_us"`
	FrameDurationMaxUs int `json:"frame_duration_max_us"`

	DarkThreshold  int     `json:"dark_threshold"`
	DarkFrameRatio float64 `json:"dark_frame_ratio"`
	HeartbeatEvery int     `json:"heartbeat_every"`

	// CPUCore pins the driver's completion goroutine; -1 leaves it alone.
	CPUCore int `json:"cpu_core"`

	Socket  string `json:"socket"`
	PidFile string `json:"pid_file"`

	// HistoryDB is a SQLite file that keeps session summaries; empty disables it.
	HistoryDB string `json:"history_db"`

	LogLevel string `json:"log_level"`

	SimCameras    int `json:"sim_cameras"`
	SimIntervalUs int `json:"sim_interval_us"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Driver:             "v4l",
		Width:              224,
		Height:             96,
		PixelFormat:        "GREY",
		BufferCount:        8,
		DurationSec:        30,
		FrameDurationMinUs: 100,
		FrameDurationMaxUs: 4000,
		DarkThreshold:      10,
		DarkFrameRatio:     0.9,
		HeartbeatEvery:     100,
		CPUCore:            -1,
		LogLevel:           "info",
		SimCameras:         1,
		SimIntervalUs:      4000,
	}
}

// Load reads path on top of the defaults. A missing or unreadable file is
// logged and the defaults are used.
func Load(path string) (*Config, error) {
	conf := Default()
	if err := loadFromFile(path, conf); err != nil {
		slog.Warn("Failed to load config file", "path", path, "error", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func loadFromFile(path string, conf *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(conf)
}

func (c *Config) Validate() error {
	switch c.Driver {
	case "v4l", "sim":
	default:
		return errors.Errorf("Unknown driver %q", c.Driver)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return errors.Errorf("Invalid frame size %dx%d", c.Width, c.Height)
	}
	if len(c.PixelFormat) != 4 {
		return errors.Errorf("Pixel format %q is not a fourcc", c.PixelFormat)
	}
	if c.BufferCount <= 0 {
		return errors.Errorf("Invalid buffer count %d", c.BufferCount)
	}
	if c.DurationSec <= 0 {
		return errors.Errorf("Invalid duration %ds", c.DurationSec)
	}
	if c.FrameDurationMinUs < 0 || c.FrameDurationMaxUs < c.FrameDurationMinUs {
		return errors.Errorf("Invalid frame duration limits [%d, %d]", c.FrameDurationMinUs, c.FrameDurationMaxUs)
	}
	if c.DarkThreshold < 0 || c.DarkThreshold > 255 {
		return errors.Errorf("Dark threshold %d out of range", c.DarkThreshold)
	}
	if c.HeartbeatEvery < 0 {
		return errors.Errorf("Invalid heartbeat interval %d", c.HeartbeatEvery)
	}
	return nil
}

func (c *Config) Duration() time.Duration {
	return time.Duration(c.DurationSec) * time.Second
}

func (c *Config) FrameDurationLimits() (time.Duration, time.Duration) {
	return time.Duration(c.FrameDurationMinUs) * time.Microsecond,
		time.Duration(c.FrameDurationMaxUs) * time.Microsecond
}

func (c *Config) SimInterval() time.Duration {
	return time.Duration(c.SimIntervalUs) * time.Microsecond
}

// Level maps LogLevel to a slog level; unknown names are info.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

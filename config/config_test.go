package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	conf, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), conf)
	assert.Equal(t, 30*time.Second, conf.Duration())

	lo, hi := conf.FrameDurationLimits()
	assert.Equal(t, 100*time.Microsecond, lo)
	assert.Equal(t, 4*time.Millisecond, hi)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `{"driver":"sim","buffer_count":4,"duration_sec":5,"log_level":"debug","cpu_core":2}`)
	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sim", conf.Driver)
	assert.Equal(t, 4, conf.BufferCount)
	assert.Equal(t, 5*time.Second, conf.Duration())
	assert.Equal(t, slog.LevelDebug, conf.Level())
	assert.Equal(t, 2, conf.CPUCore)
	assert.Equal(t, 224, conf.Width, "unset fields keep defaults")
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]struct{ body, msg string }{
		"driver":   {`{"driver":"usb"}`, "Unknown driver"},
		"size":     {`{"width":0}`, "Invalid frame size"},
		"format":   {`{"pixel_format":"RGB"}`, "Pixel format"},
		"buffers":  {`{"buffer_count":0}`, "Invalid buffer count"},
		"duration": {`{"duration_sec":-1}`, "Invalid duration"},
		"limits":   {`{"frame_duration_min_us":5000,"frame_duration_max_us":4000}`, "Invalid frame duration limits"},
		"dark":     {`{"dark_threshold":300}`, "Dark threshold"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestLevel(t *testing.T) {
	c := &Config{}
	assert.Equal(t, slog.LevelInfo, c.Level())
	c.LogLevel = "error"
	assert.Equal(t, slog.LevelError, c.Level())
}

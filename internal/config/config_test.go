package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STATION_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "gs-01", cfg.StationID)
	assert.Equal(t, TransportSim, cfg.Transport.Kind)
	assert.Equal(t, 9600, cfg.Transport.Baud)
	assert.Equal(t, 100*time.Millisecond, cfg.Transport.ReadTimeout)
	assert.Equal(t, "P455", cfg.Link.Password)
	assert.Equal(t, 5*time.Second, cfg.Link.Timeout)
	assert.Equal(t, 3, cfg.Link.MaxAttempts)
	assert.Zero(t, cfg.Loss.UplinkDrop)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "station.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
station_id: gs-toronto
transport:
  kind: serial
  serial_port: /dev/ttyACM0
  read_timeout: 50ms
link:
  framing: legacy
  timeout: 2s
  await_response: true
loss:
  uplink_drop: 0.2
`), 0o644))

	t.Setenv("STATION_CONFIG", path)
	t.Setenv("EXCHANGE_ATTEMPTS", "7")
	t.Setenv("DOWNLINK_DROP", "0.1")
	t.Setenv("NATS_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "gs-toronto", cfg.StationID)
	assert.Equal(t, TransportSerial, cfg.Transport.Kind)
	assert.Equal(t, "/dev/ttyACM0", cfg.Transport.SerialPort)
	assert.Equal(t, 50*time.Millisecond, cfg.Transport.ReadTimeout)
	assert.Equal(t, 9600, cfg.Transport.Baud)
	assert.Equal(t, "legacy", cfg.Link.Framing)
	assert.Equal(t, 2*time.Second, cfg.Link.Timeout)
	assert.True(t, cfg.Link.AwaitResponse)
	assert.Equal(t, 7, cfg.Link.MaxAttempts)
	assert.Equal(t, 0.2, cfg.Loss.UplinkDrop)
	assert.Equal(t, 0.1, cfg.Loss.DownlinkDrop)
	assert.Empty(t, cfg.NATSURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "usb" }},
		{"unknown framing", func(c *Config) { c.Link.Framing = "hdlc" }},
		{"short password", func(c *Config) { c.Link.Password = "abc" }},
		{"zero timeout", func(c *Config) { c.Link.Timeout = 0 }},
		{"no attempts", func(c *Config) { c.Link.MaxAttempts = 0 }},
		{"drop rate above one", func(c *Config) { c.Loss.UplinkDrop = 1.5 }},
		{"negative drop rate", func(c *Config) { c.Loss.DownlinkDrop = -0.1 }},
		{"uplink drop NaN", func(c *Config) { c.Loss.UplinkDrop = math.NaN() }},
		{"downlink drop NaN", func(c *Config) { c.Loss.DownlinkDrop = math.NaN() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "station.yaml")
	require.NoError(t, os.WriteFile(path, []byte("link: [not, a, map]"), 0o644))
	t.Setenv("STATION_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("STATION_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.Error(t, err)
}

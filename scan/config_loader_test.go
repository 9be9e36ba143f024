package scan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfigYAML() string {
	return `mqtt:
  broker: tcp://localhost:1883
  publishPrefix: scanmesh-test
  clientId: scanmesh-test
matcher:
  toleranceFactor: 2
  hintPolicy: keep
icp:
  maxIterations: 25
sensors:
  - id: front
    topic: robots/front/scan
    color: "#FF0000"
  - id: rear
    apiUrl: http://rear.local/api/scan
    pollInterval: 5s
  - id: side
    topic: robots/side/scan
    apiUrl: http://side.local/api/scan
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func strPtr(s string) *string { return &s }

func TestLoadConfig_NotExists(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	require.NoError(t, err)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "scanmesh-test", cfg.MQTT.PublishPrefix)
	assert.Equal(t, 2.0, cfg.Matcher.ToleranceFactor)
	assert.Equal(t, HintKeepOnMiss, cfg.Matcher.HintPolicy)
	require.Len(t, cfg.Sensors, 3)

	// Explicit values win over defaults, missing ones are filled in
	def := DefaultICPConfig()
	assert.Equal(t, 25, cfg.ICP.MaxIterations)
	assert.Equal(t, def.KeepFraction, cfg.ICP.KeepFraction)
	assert.Equal(t, def.MaxCorrespondDist, cfg.ICP.MaxCorrespondDist)

	assert.Equal(t, "", cfg.Sensors[0].GetApiURL())
	assert.Equal(t, time.Duration(0), cfg.Sensors[0].PollInterval)
	assert.Equal(t, "http://rear.local/api/scan", cfg.Sensors[1].GetApiURL())
	assert.Equal(t, 5*time.Second, cfg.Sensors[1].PollInterval)
	assert.Equal(t, DefaultPollInterval, cfg.Sensors[2].PollInterval)

	assert.Equal(t, "#FF0000", cfg.GetSensorByID("front").Color)
	assert.Nil(t, cfg.GetSensorByID("missing"))
}

func TestLoadConfig_MinimalGetsDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "sensors:\n  - id: a\n    topic: a/scan\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultICPConfig(), cfg.ICP)
	assert.Equal(t, DefaultMatcherConfig(), cfg.Matcher)
	assert.Equal(t, "scanmesh", cfg.MQTT.PublishPrefix)
	assert.Equal(t, "", cfg.MQTT.Broker)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "sensors: [\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config YAML")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no sensors", func(c *Config) { c.Sensors = nil }, "at least one sensor"},
		{"missing id", func(c *Config) { c.Sensors[0].ID = "" }, "sensors[0].id is required"},
		{"duplicate id", func(c *Config) { c.Sensors[1].ID = "a" }, "duplicated"},
		{"no source", func(c *Config) { c.Sensors[0].Topic = "" }, "topic or apiUrl"},
		{"api only", func(c *Config) {
			c.Sensors[0].Topic = ""
			c.Sensors[0].ApiURL = strPtr("http://a.local/scan")
		}, ""},
		{"bad hint policy", func(c *Config) { c.Matcher.HintPolicy = "sometimes" }, "hintPolicy"},
		{"negative tolerance", func(c *Config) { c.Matcher.ToleranceFactor = -1 }, "toleranceFactor"},
		{"keep fraction too large", func(c *Config) { c.ICP.KeepFraction = 1.5 }, "keepFraction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Sensors = []SensorConfig{
				{ID: "a", Topic: "a/scan"},
				{ID: "b", Topic: "b/scan"},
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, SaveConfig(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "hintPolicy: keep"))

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}

func TestSaveConfig_BadPath(t *testing.T) {
	err := SaveConfig(filepath.Join(t.TempDir(), "missing", "dir", "c.yaml"), DefaultConfig())
	assert.Error(t, err)
}

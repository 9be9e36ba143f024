package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kwv/scanmesh/scan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roomScan simulates an n-beam scan inside the rectangle [-2,3]x[-1.5,2]
// taken from (x, y) with the given heading, in the sensor frame
func roomScan(x, y, heading float64, n int) []scan.Point {
	const minX, minY, maxX, maxY = -2.0, -1.5, 3.0, 2.0
	points := make([]scan.Point, n)
	for i := range points {
		local := float64(i) * 2 * math.Pi / float64(n)
		dx, dy := math.Cos(heading+local), math.Sin(heading+local)
		r := math.Inf(1)
		if dx > 1e-12 {
			r = math.Min(r, (maxX-x)/dx)
		} else if dx < -1e-12 {
			r = math.Min(r, (minX-x)/dx)
		}
		if dy > 1e-12 {
			r = math.Min(r, (maxY-y)/dy)
		} else if dy < -1e-12 {
			r = math.Min(r, (minY-y)/dy)
		}
		points[i] = scan.Point{R: r, Theta: local}
	}
	return points
}

// writeScanFile saves points as a scan JSON file and returns its path
func writeScanFile(t *testing.T, dir, name string, points []scan.Point) string {
	t.Helper()
	data, err := json.Marshal(scan.ScanFromPoints(name, points))
	require.NoError(t, err)
	path := filepath.Join(dir, name+".json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// newScanPairApp returns an App with --reference and --current set to two
// scans taken 5cm and 1 degree apart
func newScanPairApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	var out bytes.Buffer
	app := NewApp()
	app.Out = &out
	app.ConfigFile = filepath.Join(dir, "absent.yaml")
	app.ReferenceFile = writeScanFile(t, dir, "reference", roomScan(0.3, 0.2, 0, 360))
	app.CurrentFile = writeScanFile(t, dir, "current", roomScan(0.35, 0.22, math.Pi/180, 360))
	return app, &out
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	require.NotNil(t, app)
	assert.Equal(t, os.Stdout, app.Out)
	assert.Nil(t, app.Tracker)
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	app.ApplyOptions(AppOptions{
		ConfigFile:    "test-config.yaml",
		ReferenceFile: "a.json",
		CurrentFile:   "b.json",
		OutputFile:    "out.svg",
		RenderFormat:  "png",
		HintPolicy:    "keep",
		Tolerance:     3,
		HttpPort:      9000,
		MqttMode:      true,
		HttpMode:      true,
	})

	assert.Equal(t, "test-config.yaml", app.ConfigFile)
	assert.Equal(t, "a.json", app.ReferenceFile)
	assert.Equal(t, "b.json", app.CurrentFile)
	assert.Equal(t, "out.svg", app.OutputFile)
	assert.Equal(t, "png", app.RenderFormat)
	assert.Equal(t, "keep", app.HintPolicy)
	assert.Equal(t, 3.0, app.Tolerance)
	assert.Equal(t, 9000, app.HttpPort)
	assert.True(t, app.MqttMode)
	assert.True(t, app.HttpMode)
}

func TestSettings(t *testing.T) {
	app := NewApp()
	m, icp, err := app.settings()
	require.NoError(t, err)
	assert.Equal(t, scan.DefaultMatcherConfig(), m)
	assert.Equal(t, scan.DefaultICPConfig(), icp)

	app.Config = scan.DefaultConfig()
	app.Config.Matcher.HintPolicy = scan.HintKeepOnMiss
	app.Config.ICP.MaxIterations = 7
	m, icp, err = app.settings()
	require.NoError(t, err)
	assert.Equal(t, scan.HintKeepOnMiss, m.HintPolicy)
	assert.Equal(t, 7, icp.MaxIterations)

	// Command line wins over the config file
	app.Tolerance = 4
	app.HintPolicy = "reset"
	m, _, err = app.settings()
	require.NoError(t, err)
	assert.Equal(t, 4.0, m.ToleranceFactor)
	assert.Equal(t, scan.HintResetOnMiss, m.HintPolicy)

	app.HintPolicy = "sometimes"
	_, _, err = app.settings()
	assert.ErrorContains(t, err, "hint policy")

	app.HintPolicy = ""
	app.Tolerance = -1
	_, _, err = app.settings()
	assert.ErrorContains(t, err, "tolerance")
}

func TestLoadOptionalConfig(t *testing.T) {
	dir := t.TempDir()

	app := NewApp()
	app.ConfigFile = filepath.Join(dir, "missing.yaml")
	require.NoError(t, app.loadOptionalConfig())
	assert.Nil(t, app.Config)

	valid := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(valid, []byte("matcher:\n  hintPolicy: keep\nsensors:\n  - id: a\n    topic: a/scan\n"), 0644))
	app.ConfigFile = valid
	require.NoError(t, app.loadOptionalConfig())
	require.NotNil(t, app.Config)
	assert.Equal(t, scan.HintKeepOnMiss, app.Config.Matcher.HintPolicy)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("sensors: []\n"), 0644))
	app = NewApp()
	app.ConfigFile = invalid
	assert.Error(t, app.loadOptionalConfig())
}

func TestRunMatch(t *testing.T) {
	app, out := newScanPairApp(t)
	require.NoError(t, app.RunMatch())

	report := out.String()
	assert.Contains(t, report, "Correspondences (tolerance=1.00, hint=reset)")
	assert.Contains(t, report, "Points:      360 reference, 360 current")
	assert.Contains(t, report, "Matched:     360/360")
	assert.Contains(t, report, "Exact best:")
}

func TestRunMatch_MissingScans(t *testing.T) {
	app := NewApp()
	app.Out = &bytes.Buffer{}
	err := app.RunMatch()
	assert.ErrorContains(t, err, "both --reference and --current are required")

	app.ReferenceFile = filepath.Join(t.TempDir(), "nope.json")
	app.CurrentFile = app.ReferenceFile
	assert.ErrorContains(t, app.RunMatch(), "reference scan")
}

func TestRunRegister(t *testing.T) {
	app, out := newScanPairApp(t)
	app.OutputFile = filepath.Join(t.TempDir(), "pose.json")
	require.NoError(t, app.RunRegister())

	assert.Contains(t, out.String(), "Registration")
	assert.Contains(t, out.String(), "Saved estimate to")

	data, err := os.ReadFile(app.OutputFile)
	require.NoError(t, err)
	var est scan.PoseEstimate
	require.NoError(t, json.Unmarshal(data, &est))

	assert.Equal(t, "current", est.SensorID)
	assert.InDelta(t, 0.05, est.Delta.X, 0.02)
	assert.InDelta(t, 0.02, est.Delta.Y, 0.02)
	assert.InDelta(t, 1, est.Delta.Heading*180/math.Pi, 0.5)
}

func TestRunRegister_TooFewPoints(t *testing.T) {
	app, _ := newScanPairApp(t)
	app.CurrentFile = writeScanFile(t, t.TempDir(), "tiny", []scan.Point{{R: 1}, {R: 1, Theta: 0.1}})
	assert.ErrorContains(t, app.RunRegister(), "at least 3 valid points")
}

func TestRunRender(t *testing.T) {
	for _, format := range []string{"svg", "png", "raster"} {
		t.Run(format, func(t *testing.T) {
			app, out := newScanPairApp(t)
			app.RenderFormat = format
			app.OutputFile = filepath.Join(t.TempDir(), "render."+format)
			require.NoError(t, app.RunRender())

			info, err := os.Stat(app.OutputFile)
			require.NoError(t, err)
			assert.Greater(t, info.Size(), int64(0))
			assert.Contains(t, out.String(), "Saved "+format+" render")
		})
	}
}

func TestRunRender_DefaultOutput(t *testing.T) {
	app, _ := newScanPairApp(t)
	t.Chdir(t.TempDir())

	app.RenderFormat = "SVG"
	require.NoError(t, app.RunRender())
	assert.FileExists(t, "scan.svg")

	app.RenderFormat = "raster"
	require.NoError(t, app.RunRender())
	assert.FileExists(t, "scan.png")
}

func TestRunRender_UnknownFormat(t *testing.T) {
	app, _ := newScanPairApp(t)
	app.RenderFormat = "gif"
	assert.ErrorContains(t, app.RunRender(), "unknown render format")
}

func TestRunGeoJSON(t *testing.T) {
	app, out := newScanPairApp(t)
	t.Chdir(t.TempDir())
	require.NoError(t, app.RunGeoJSON())
	assert.Contains(t, out.String(), "Saved GeoJSON to scan.geojson")

	data, err := os.ReadFile("scan.geojson")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"FeatureCollection"`)
	assert.Contains(t, string(data), `"role":"pose"`)
}

func TestHandleScan_PublishesEstimate(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := scan.NewMockClient()
	mock.SetConnected(true)

	app := NewApp()
	app.Tracker = scan.NewTracker(scan.DefaultMatcherConfig(), scan.DefaultICPConfig())
	app.Publisher = scan.NewPublisher(mock)

	app.handleScan("front", scan.ScanFromPoints("front", roomScan(0, 0, 0, 180)))
	app.handleScan("front", scan.ScanFromPoints("front", roomScan(0.03, 0, 0, 180)))

	msgs := mock.GetPublishedMessages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "scanmesh/front/pose", msgs[2].Topic)
	assert.Equal(t, "scanmesh/poses", msgs[3].Topic)

	est, ok := app.Publisher.GetEstimate("front")
	require.True(t, ok)
	assert.InDelta(t, 0.03, est.Pose.X, 0.02)

	// Too few points are dropped without publishing
	app.handleScan("front", &scan.LaserScan{AngleIncrement: 0.1, Ranges: []float64{1, 1}})
	assert.Len(t, mock.GetPublishedMessages(), 4)

	// So is a scan that shares nothing with the reference
	far := scan.ScanFromPoints("front", ringPoints(90, 40, 0))
	app.handleScan("front", far)
	assert.Len(t, mock.GetPublishedMessages(), 4)
	est, ok = app.Publisher.GetEstimate("front")
	require.True(t, ok)
	assert.InDelta(t, 0.03, est.Pose.X, 0.02)

	app.handleReset("front")
	_, ok = app.Publisher.GetEstimate("front")
	assert.False(t, ok)
	_, ok = app.Tracker.Snapshot("front")
	assert.False(t, ok)

	msgs = mock.GetPublishedMessages()
	require.Len(t, msgs, 6)
	assert.Equal(t, "scanmesh/front/pose", msgs[4].Topic)
	assert.Empty(t, msgs[4].Payload)
	assert.True(t, msgs[4].Retain)
	assert.Equal(t, "scanmesh/poses", msgs[5].Topic)
	assert.Empty(t, msgs[5].Payload)
}

func TestPollSensor(t *testing.T) {
	payload, err := json.Marshal(scan.ScanFromPoints("", roomScan(0, 0, 0, 90)))
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	app := NewApp()
	app.Tracker = scan.NewTracker(scan.DefaultMatcherConfig(), scan.DefaultICPConfig())

	url := srv.URL
	sensor := scan.SensorConfig{ID: "polled", ApiURL: &url, PollInterval: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.pollSensor(ctx, sensor, scan.WithMaxRetries(1))
		close(done)
	}()

	assert.Eventually(t, func() bool {
		snap, ok := app.Tracker.Snapshot("polled")
		return ok && snap.Scans >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pollSensor did not stop after cancel")
	}
}

func TestRunService_MissingConfig(t *testing.T) {
	app := NewApp()
	app.Out = &bytes.Buffer{}
	app.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")
	app.HttpMode = true

	err := app.RunService()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to load config"))
}

func TestRunService_MQTTWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sensors:\n  - id: a\n    topic: a/scan\n"), 0644))

	app := NewApp()
	app.Out = &bytes.Buffer{}
	app.ConfigFile = path
	app.MqttMode = true

	assert.ErrorContains(t, app.RunService(), "MQTT broker not configured")
}

func TestPrintServiceInfo(t *testing.T) {
	var out bytes.Buffer
	api := "http://b.local/scan"
	app := NewApp()
	app.Out = &out
	app.HttpMode = true
	app.HttpPort = 8081
	app.Config = scan.DefaultConfig()
	app.Config.Sensors = []scan.SensorConfig{
		{ID: "a", Topic: "a/scan"},
		{ID: "b", ApiURL: &api},
	}

	app.printServiceInfo()
	s := out.String()
	assert.Contains(t, s, "  - a: a/scan")
	assert.Contains(t, s, "  - b: polling http://b.local/scan")
	assert.Contains(t, s, "HTTP endpoints (port 8081)")
	assert.NotContains(t, s, "Publishing to")
}

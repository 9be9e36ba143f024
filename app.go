package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/scanmesh/scan"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *scan.Config
	Tracker    *scan.Tracker
	MQTTClient *scan.MQTTClient
	Publisher  *scan.Publisher
	Out        io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile    string
	ReferenceFile string
	CurrentFile   string
	OutputFile    string
	RenderFormat  string
	HintPolicy    string
	Tolerance     float64
	HttpPort      int
	MqttMode      bool
	HttpMode      bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{Out: os.Stdout}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.ReferenceFile = opts.ReferenceFile
	a.CurrentFile = opts.CurrentFile
	a.OutputFile = opts.OutputFile
	a.RenderFormat = opts.RenderFormat
	a.HintPolicy = opts.HintPolicy
	a.Tolerance = opts.Tolerance
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// settings returns matcher and ICP settings: config file values when one was
// loaded, defaults otherwise, with command line overrides applied last
func (a *App) settings() (scan.MatcherConfig, scan.ICPConfig, error) {
	matcherCfg := scan.DefaultMatcherConfig()
	icpCfg := scan.DefaultICPConfig()
	if a.Config != nil {
		matcherCfg = a.Config.Matcher
		icpCfg = a.Config.ICP
	}

	if a.Tolerance < 0 {
		return matcherCfg, icpCfg, fmt.Errorf("tolerance must not be negative, got %v", a.Tolerance)
	}
	if a.Tolerance > 0 {
		matcherCfg.ToleranceFactor = a.Tolerance
	}
	switch scan.HintPolicy(a.HintPolicy) {
	case "":
	case scan.HintResetOnMiss, scan.HintKeepOnMiss:
		matcherCfg.HintPolicy = scan.HintPolicy(a.HintPolicy)
	default:
		return matcherCfg, icpCfg, fmt.Errorf("hint policy must be %q or %q, got %q", scan.HintResetOnMiss, scan.HintKeepOnMiss, a.HintPolicy)
	}
	return matcherCfg, icpCfg, nil
}

// loadOptionalConfig loads the config file if it exists. Offline modes work without one.
func (a *App) loadOptionalConfig() error {
	if a.Config != nil || a.ConfigFile == "" {
		return nil
	}
	if _, err := os.Stat(a.ConfigFile); os.IsNotExist(err) {
		return nil
	}
	config, err := scan.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.Config = config
	return nil
}

// loadScanPair parses the --reference and --current scans
func (a *App) loadScanPair() (ref, cur []scan.Point, err error) {
	if a.ReferenceFile == "" || a.CurrentFile == "" {
		return nil, nil, fmt.Errorf("both --reference and --current are required")
	}

	refScan, err := scan.ParseScanFile(a.ReferenceFile)
	if err != nil {
		return nil, nil, fmt.Errorf("reference scan: %w", err)
	}
	curScan, err := scan.ParseScanFile(a.CurrentFile)
	if err != nil {
		return nil, nil, fmt.Errorf("current scan: %w", err)
	}

	ref, cur = refScan.Points(), curScan.Points()
	log.Printf("Loaded reference %s (%d valid points) and current %s (%d valid points)",
		a.ReferenceFile, len(ref), a.CurrentFile, len(cur))
	return ref, cur, nil
}

// RunMatch finds correspondences between the two scans as given (no
// transform) and compares them with the exhaustive search
func (a *App) RunMatch() error {
	if err := a.loadOptionalConfig(); err != nil {
		return err
	}
	matcherCfg, _, err := a.settings()
	if err != nil {
		return err
	}
	ref, cur, err := a.loadScanPair()
	if err != nil {
		return err
	}

	matcher := scan.NewMatcher(matcherCfg)

	start := time.Now()
	table := scan.ComputeJumpTable(ref)
	tableTime := time.Since(start)

	start = time.Now()
	corr := matcher.FindCorrespondences(ref, cur, cur, table)
	searchTime := time.Since(start)

	start = time.Now()
	exact := scan.BruteForceCorrespondences(ref, cur, cur)
	bruteTime := time.Since(start)

	summary := scan.SummarizeCorrespondences(corr)
	agree := 0
	for i := range corr {
		if corr[i].Matched() && exact[i].Matched() && corr[i].Match.BestDist == exact[i].Match.BestDist {
			agree++
		}
	}

	_, _ = fmt.Fprintf(a.Out, "\nCorrespondences (tolerance=%.2f, hint=%s)\n", matcherCfg.ToleranceFactor, matcherCfg.HintPolicy)
	_, _ = fmt.Fprintln(a.Out, "========================================")
	_, _ = fmt.Fprintf(a.Out, "  Points:      %d reference, %d current\n", len(ref), len(cur))
	_, _ = fmt.Fprintf(a.Out, "  Matched:     %d/%d (%.1f%%)\n", summary.Matched, summary.Total, summary.MatchRatio*100)
	_, _ = fmt.Fprintf(a.Out, "  Distance:    mean=%.4f median=%.4f p90=%.4f max=%.4f\n",
		summary.MeanDist, summary.MedianDist, summary.P90Dist, summary.MaxDist)
	if summary.Matched > 0 {
		_, _ = fmt.Fprintf(a.Out, "  Exact best:  %d/%d (%.1f%%)\n", agree, summary.Matched, float64(agree)/float64(summary.Matched)*100)
	}
	_, _ = fmt.Fprintf(a.Out, "  Timing:      table=%v search=%v exhaustive=%v\n", tableTime, searchTime, bruteTime)
	return nil
}

// registration is the result of registering the current scan against the reference
type registration struct {
	snapshot scan.SensorSnapshot
	result   scan.ICPResult
}

// registerPair registers --current against --reference
func (a *App) registerPair() (*registration, error) {
	if err := a.loadOptionalConfig(); err != nil {
		return nil, err
	}
	matcherCfg, icpCfg, err := a.settings()
	if err != nil {
		return nil, err
	}
	ref, cur, err := a.loadScanPair()
	if err != nil {
		return nil, err
	}
	if len(ref) < 3 || len(cur) < 3 {
		return nil, fmt.Errorf("need at least 3 valid points per scan, got %d and %d", len(ref), len(cur))
	}

	matcher := scan.NewMatcher(matcherCfg)
	table := scan.ComputeJumpTable(ref)
	result := scan.Register(ref, cur, table, scan.Identity(), icpCfg, matcher)

	trans := scan.TransformPoints(cur, result.Transform)
	delta := scan.PoseFromMatrix(result.Transform)
	sensorID := strings.TrimSuffix(filepath.Base(a.CurrentFile), filepath.Ext(a.CurrentFile))

	return &registration{
		snapshot: scan.SensorSnapshot{
			SensorID:        sensorID,
			Reference:       ref,
			Transformed:     trans,
			Correspondences: matcher.FindCorrespondences(ref, trans, cur, table),
			Estimate: &scan.PoseEstimate{
				SensorID:   sensorID,
				Pose:       delta,
				Delta:      delta,
				Error:      result.Error,
				MatchRatio: result.MatchRatio,
				Iterations: result.Iterations,
				Converged:  result.Converged,
				Timestamp:  time.Now(),
			},
			Scans: 2,
		},
		result: result,
	}, nil
}

// RunRegister estimates the motion between the two scans and prints it
func (a *App) RunRegister() error {
	reg, err := a.registerPair()
	if err != nil {
		return err
	}

	est := reg.snapshot.Estimate
	_, _ = fmt.Fprintln(a.Out, "\nRegistration")
	_, _ = fmt.Fprintln(a.Out, "============")
	_, _ = fmt.Fprintf(a.Out, "  Translation: (%.4f, %.4f)\n", est.Delta.X, est.Delta.Y)
	_, _ = fmt.Fprintf(a.Out, "  Rotation:    %.3f°\n", est.Delta.Heading*180/math.Pi)
	_, _ = fmt.Fprintf(a.Out, "  Error:       %.5f\n", est.Error)
	_, _ = fmt.Fprintf(a.Out, "  Matched:     %.1f%%\n", est.MatchRatio*100)
	_, _ = fmt.Fprintf(a.Out, "  Iterations:  %d (converged=%v)\n", est.Iterations, est.Converged)

	if a.OutputFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(est, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling estimate: %w", err)
	}
	if err := os.WriteFile(a.OutputFile, data, 0644); err != nil {
		return fmt.Errorf("writing estimate: %w", err)
	}
	_, _ = fmt.Fprintf(a.Out, "Saved estimate to %s\n", a.OutputFile)
	return nil
}

// RunRender registers the two scans and renders the result
func (a *App) RunRender() error {
	format := strings.ToLower(a.RenderFormat)
	if format == "" {
		format = "svg"
	}
	if format != "svg" && format != "png" && format != "raster" {
		return fmt.Errorf("unknown render format %q (svg, png or raster)", a.RenderFormat)
	}

	reg, err := a.registerPair()
	if err != nil {
		return err
	}

	output := a.OutputFile
	if output == "" {
		output = "scan.svg"
		if format != "svg" {
			output = "scan.png"
		}
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", output, err)
	}
	defer func() { _ = f.Close() }()

	snaps := []scan.SensorSnapshot{reg.snapshot}
	switch format {
	case "svg":
		err = scan.NewVectorRenderer(snaps).RenderToSVG(f)
	case "png":
		err = scan.NewVectorRenderer(snaps).RenderToPNG(f)
	case "raster":
		err = scan.NewScanRenderer(snaps).EncodePNG(f)
	}
	if err != nil {
		return fmt.Errorf("rendering %s: %w", output, err)
	}

	_, _ = fmt.Fprintf(a.Out, "Saved %s render to %s\n", format, output)
	return nil
}

// RunGeoJSON registers the two scans and exports the result as GeoJSON
func (a *App) RunGeoJSON() error {
	reg, err := a.registerPair()
	if err != nil {
		return err
	}

	output := a.OutputFile
	if output == "" {
		output = "scan.geojson"
	}

	data, err := scan.SnapshotToGeoJSON(reg.snapshot).MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if err := os.WriteFile(output, data, 0644); err != nil {
		return fmt.Errorf("writing GeoJSON: %w", err)
	}

	_, _ = fmt.Fprintf(a.Out, "Saved GeoJSON to %s\n", output)
	return nil
}

// handleScan feeds one scan into the tracker and publishes the estimate
func (a *App) handleScan(sensorID string, s *scan.LaserScan) {
	points := s.Points()
	est, err := a.Tracker.Process(sensorID, points)
	if err != nil {
		log.Printf("Error processing scan for %s: %v", sensorID, err)
		return
	}

	if a.Publisher != nil {
		if err := a.Publisher.PublishEstimate(est); err != nil {
			log.Printf("Error publishing pose for %s: %v", sensorID, err)
		}
	}
}

// onScanMessage is the MQTT message handler for scan topics
func (a *App) onScanMessage(sensorID string, rawPayload []byte, s *scan.LaserScan, err error) {
	if err != nil {
		log.Printf("Error receiving scan for %s (%d bytes): %v", sensorID, len(rawPayload), err)
		return
	}
	a.handleScan(sensorID, s)
}

// handleReset drops a sensor's tracking state
func (a *App) handleReset(sensorID string) {
	a.Tracker.Reset(sensorID)
	if a.Publisher != nil {
		if err := a.Publisher.ClearEstimate(sensorID); err != nil {
			log.Printf("Error clearing pose for %s: %v", sensorID, err)
		}
	}
}

// pollSensor fetches scans from a sensor's apiUrl until ctx is done
func (a *App) pollSensor(ctx context.Context, sensor scan.SensorConfig, opts ...scan.FetchOption) {
	interval := sensor.PollInterval
	if interval <= 0 {
		interval = scan.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[HTTP] Polling %s every %v for sensor %s", sensor.GetApiURL(), interval, sensor.ID)
	for {
		s, err := scan.FetchScanFromAPI(ctx, sensor.GetApiURL(), opts...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[HTTP] Error polling %s: %v", sensor.ID, err)
		} else {
			a.handleScan(sensor.ID, s)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunService tracks live scans from MQTT and polled HTTP sources
func (a *App) RunService() error {
	_, _ = fmt.Fprintln(a.Out, "Starting scanmesh service...")

	config, err := scan.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config (looked at %s): %w", a.ConfigFile, err)
	}
	a.Config = config
	log.Printf("Loaded config from %s", a.ConfigFile)

	matcherCfg, icpCfg, err := a.settings()
	if err != nil {
		return err
	}
	a.Tracker = scan.NewTracker(matcherCfg, icpCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.MqttMode {
		mqttClient, err := scan.InitMQTT(config, a.onScanMessage)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if mqttClient == nil {
			return fmt.Errorf("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		mqttClient.SetResetHandler(a.handleReset)
		a.MQTTClient = mqttClient

		a.Publisher = scan.NewPublisher(mqttClient.GetClient())
		if os.Getenv("MQTT_PUBLISH_PREFIX") == "" {
			a.Publisher.SetPrefix(config.MQTT.PublishPrefix)
		}
		_, _ = fmt.Fprintln(a.Out, "MQTT pose publisher initialized")
	}

	for _, sensor := range config.Sensors {
		if sensor.GetApiURL() != "" {
			go a.pollSensor(ctx, sensor)
		}
	}

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.Tracker, a.Config),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	a.printServiceInfo()

	<-ctx.Done()

	_, _ = fmt.Fprintln(a.Out, "\nShutting down service...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	_, _ = fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

func (a *App) printServiceInfo() {
	_, _ = fmt.Fprintln(a.Out, "\nService Running")
	_, _ = fmt.Fprintln(a.Out, "===============")

	_, _ = fmt.Fprintln(a.Out, "\nSensors:")
	for _, sc := range a.Config.Sensors {
		switch {
		case sc.Topic != "" && sc.GetApiURL() != "":
			_, _ = fmt.Fprintf(a.Out, "  - %s: %s, polling %s\n", sc.ID, sc.Topic, sc.GetApiURL())
		case sc.Topic != "":
			_, _ = fmt.Fprintf(a.Out, "  - %s: %s\n", sc.ID, sc.Topic)
		default:
			_, _ = fmt.Fprintf(a.Out, "  - %s: polling %s\n", sc.ID, sc.GetApiURL())
		}
	}

	if a.Publisher != nil {
		_, _ = fmt.Fprintf(a.Out, "\nPublishing to: %s/{sensor}/pose\n", a.Publisher.Prefix())
		_, _ = fmt.Fprintf(a.Out, "Combined poses: %s/poses\n", a.Publisher.Prefix())
	}

	if a.HttpMode {
		_, _ = fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		_, _ = fmt.Fprintln(a.Out, "  GET /health                  - Health check")
		_, _ = fmt.Fprintln(a.Out, "  GET /poses                   - Latest pose per sensor")
		_, _ = fmt.Fprintln(a.Out, "  GET /scan/{sensor}.svg       - Latest registration as SVG")
		_, _ = fmt.Fprintln(a.Out, "  GET /scan/{sensor}.png       - Latest registration as PNG")
		_, _ = fmt.Fprintln(a.Out, "  GET /scan/{sensor}.geojson   - Latest registration as GeoJSON")
	}

	_, _ = fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile    string
	ReferenceFile string
	CurrentFile   string
	OutputFile    string
	RenderFormat  string
	HintPolicy    string
	Tolerance     float64
	HttpPort      int
	MatchOnly     bool
	RegisterOnly  bool
	RenderOnly    bool
	GeoJSONOnly   bool
	MqttMode      bool
	HttpMode      bool
}

// AppRunner is the set of modes run dispatches to
type AppRunner interface {
	ApplyOptions(opts AppOptions)
	RunMatch() error
	RunRegister() error
	RunRender() error
	RunGeoJSON() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

// run parses args and dispatches to the selected mode of app
func run(args []string, out io.Writer, app AppRunner) error {
	fs := flag.NewFlagSet("scanmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.ReferenceFile, "reference", "", "Reference scan JSON for --match, --register, --render, --geojson")
	fs.StringVar(&opts.CurrentFile, "current", "", "Current scan JSON to match against the reference")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file for --render and --geojson (default scan.<format>)")
	fs.StringVar(&opts.RenderFormat, "format", "svg", "Render format: svg, png (vector) or raster")
	fs.StringVar(&opts.HintPolicy, "hint-policy", "", "Search hint policy on unmatched points: reset or keep (default from config)")
	fs.Float64Var(&opts.Tolerance, "tolerance", 0, "Early termination tolerance factor (default from config)")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	fs.BoolVar(&opts.MatchOnly, "match", false, "Find correspondences between two scans and print a report")
	fs.BoolVar(&opts.RegisterOnly, "register", false, "Register the current scan against the reference and print the pose")
	fs.BoolVar(&opts.RenderOnly, "render", false, "Register two scans and render the result")
	fs.BoolVar(&opts.GeoJSONOnly, "geojson", false, "Register two scans and export the result as GeoJSON")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode for live scan tracking")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for poses and scan views")

	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "scanmesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.MatchOnly:
		return app.RunMatch()
	case opts.RegisterOnly:
		return app.RunRegister()
	case opts.RenderOnly:
		return app.RunRender()
	case opts.GeoJSONOnly:
		return app.RunGeoJSON()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	}

	_, _ = fmt.Fprintln(out, "scanmesh: no mode selected")
	_, _ = fmt.Fprintln(out, "Use --match --reference a.json --current b.json to print correspondences")
	_, _ = fmt.Fprintln(out, "Use --register to estimate the motion between two scans")
	_, _ = fmt.Fprintln(out, "Use --render or --geojson to export a registration")
	_, _ = fmt.Fprintln(out, "Use --mqtt and/or --http to run the live tracking service")
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"html"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kwv/scanmesh/scan"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *scan.Tracker, config *scan.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
			HasSensors bool      `json:"hasSensors"`
		}{
			Status:     "ok",
			Timestamp:  time.Now(),
			HasSensors: tracker.HasSensors(),
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Latest pose per sensor
	mux.HandleFunc("/poses", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(tracker.GetEstimates()); err != nil {
			log.Printf("Error encoding poses: %v", err)
		}
	})

	// Per-sensor views: /scan/{sensor}.svg, .png, .geojson
	mux.HandleFunc("/scan/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/scan/")
		dot := strings.LastIndex(name, ".")
		if dot <= 0 || strings.Contains(name, "/") {
			http.NotFound(w, r)
			return
		}
		sensorID, ext := name[:dot], name[dot+1:]

		snap, ok := tracker.Snapshot(sensorID)
		if !ok {
			http.Error(w, fmt.Sprintf("No scans for sensor %s", sensorID), http.StatusNotFound)
			return
		}
		if len(snap.Reference) == 0 {
			http.Error(w, "No drawable scan content", http.StatusServiceUnavailable)
			return
		}
		snaps := []scan.SensorSnapshot{snap}
		colors := scan.AssignColors([]string{sensorID}, config)

		w.Header().Set("Cache-Control", "no-cache")
		switch ext {
		case "svg":
			renderer := scan.NewVectorRenderer(snaps)
			renderer.Colors = colors
			w.Header().Set("Content-Type", "image/svg+xml")
			if err := renderer.RenderToSVG(w); err != nil {
				log.Printf("Error encoding scan SVG for %s: %v", sensorID, err)
			}
		case "png":
			renderer := scan.NewScanRenderer(snaps)
			renderer.Colors = colors
			w.Header().Set("Content-Type", "image/png")
			if err := renderer.EncodePNG(w); err != nil {
				log.Printf("Error encoding scan PNG for %s: %v", sensorID, err)
			}
		case "geojson":
			data, err := scan.SnapshotToGeoJSON(snap).MarshalJSON()
			if err != nil {
				http.Error(w, "Error encoding GeoJSON", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/geo+json")
			_, _ = w.Write(data)
		default:
			http.NotFound(w, r)
		}
	})

	// Default route serves an HTML page embedding each sensor's SVG
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ids := tracker.SensorIDs()
		sort.Strings(ids)

		var imgs strings.Builder
		for _, id := range ids {
			escaped := html.EscapeString(id)
			_, _ = fmt.Fprintf(&imgs, "<figure><img src=\"/scan/%s.svg\" alt=\"%s\"><figcaption>%s</figcaption></figure>\n", escaped, escaped, escaped)
		}
		if len(ids) == 0 {
			imgs.WriteString("<p>No scans received yet</p>\n")
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>scanmesh</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
body{background:#1a1a1a;color:#ddd;font-family:sans-serif}
figure{margin:1em}
img{display:block;max-width:100%%;max-height:90vh;background:#fff}
</style>
</head>
<body>
%s</body>
</html>`, imgs.String())
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Perceptus-Labs/geocapture/models"
	"github.com/Perceptus-Labs/geocapture/utils"
)

// maxCaptureBody bounds a capture request; a data URI of a few megapixels
// fits comfortably.
const maxCaptureBody = 64 << 20

// ViewerConfig is what the viewer needs to bootstrap: the label checkboxes,
// the panorama size, where to start and the zone to draw.
type ViewerConfig struct {
	Labels     []string        `json:"labels"`
	Height     int             `json:"height"`
	Width      int             `json:"width"`
	Start      LatLng          `json:"start"`
	Zone       json.RawMessage `json:"zone"`
	MapsAPIKey string          `json:"maps_api_key,omitempty"`
}

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LabelCount is how many persisted captures carry a vocabulary label.
type LabelCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// NewRouter wires the HTTP and WebSocket endpoints of the capture service.
func NewRouter(session *CaptureSession, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", session.handleHealth)
	r.Get("/ws", session.HandleViewerSocket)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", session.handleConfig)
		r.Get("/labels", session.handleLabelCounts)
		r.Post("/capture", session.handleCapture)

		r.Route("/captures", func(r chi.Router) {
			r.Get("/", session.handleListCaptures)
			r.Get("/last", session.handleLastCapture)
			r.Get("/last/image", session.handleLastCaptureImage)
			r.Get("/{key}", session.handleGetCapture)
			r.Get("/{key}/image", session.handleCaptureImage)
		})
	})

	return r
}

func (s *CaptureSession) ViewerConfig() ViewerConfig {
	start := s.Zone.StartPosition()
	zone := json.RawMessage("null")
	if s.Zone != nil && len(s.Zone.GeoJSON) > 0 {
		zone = s.Zone.GeoJSON
	}
	return ViewerConfig{
		Labels:     s.Config.Labels,
		Height:     s.Config.Height,
		Width:      s.Config.Width,
		Start:      LatLng{Lat: start.Lat(), Lng: start.Lng()},
		Zone:       zone,
		MapsAPIKey: s.Config.MapsAPIKey,
	}
}

func (s *CaptureSession) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"session_id": s.ID,
		"uptime":     time.Since(s.StartTime).String(),
	})
}

func (s *CaptureSession) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ViewerConfig())
}

// handleCapture is the request/acknowledgement round trip of the viewer:
// the body is {metadata, image}, the response is the HTML acknowledgement.
func (s *CaptureSession) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req models.CaptureRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCaptureBody))
	if err := dec.Decode(&req); err != nil {
		s.Logger.Warn("Failed to decode capture request", zap.Error(err))
		writeHTML(w, http.StatusBadRequest, ErrorMessage(fmt.Errorf("%w: %v", models.ErrDecode, err)))
		return
	}

	ack, err := s.HandleCapture(r.Context(), req)
	if err != nil {
		writeHTML(w, statusForError(err), ErrorMessage(err))
		return
	}
	writeHTML(w, http.StatusOK, ack)
}

// handleListCaptures serves batch review. ?label=x keeps the captures carrying
// x, ?recent=n keeps the n most recently captured. A single filter is answered
// by the index when there is one; everything else scans the data directory.
func (s *CaptureSession) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("label")
	recent, err := parseRecent(r.URL.Query().Get("recent"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.Index != nil && (label == "") != (recent == 0) {
		keys, err := s.indexedKeys(r.Context(), label, recent)
		if err == nil {
			summaries := []models.CaptureSummary{}
			for _, key := range keys {
				rec, err := s.Store.Get(key)
				if err != nil {
					continue
				}
				summaries = append(summaries, rec.Summary())
			}
			writeJSON(w, http.StatusOK, summaries)
			return
		}
		s.Logger.Warn("Capture index unavailable, scanning data directory", zap.Error(err))
	}

	records := []models.CaptureRecord{}
	for rec := range s.Store.Records() {
		if label != "" && !recordHasLabel(&rec, label) {
			continue
		}
		records = append(records, rec)
	}
	if recent > 0 {
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].CapturedAt.After(records[j].CapturedAt)
		})
		if len(records) > recent {
			records = records[:recent]
		}
	}

	summaries := make([]models.CaptureSummary, 0, len(records))
	for i := range records {
		summaries = append(summaries, records[i].Summary())
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *CaptureSession) indexedKeys(ctx context.Context, label string, recent int) ([]string, error) {
	if label != "" {
		return s.Index.KeysByLabel(ctx, label)
	}
	return s.Index.Recent(ctx, int64(recent))
}

func parseRecent(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("recent must be a positive integer, got %q", v)
	}
	return n, nil
}

// handleLabelCounts reports, for every vocabulary label, how many captures
// carry it.
func (s *CaptureSession) handleLabelCounts(w http.ResponseWriter, r *http.Request) {
	var counts map[string]int64
	if s.Index != nil {
		var err error
		counts, err = s.Index.LabelCounts(r.Context(), s.Config.Labels)
		if err != nil {
			s.Logger.Warn("Capture index unavailable, scanning data directory", zap.Error(err))
			counts = nil
		}
	}
	if counts == nil {
		counts = make(map[string]int64, len(s.Config.Labels))
		for rec := range s.Store.Records() {
			if !rec.HasMetadata() {
				continue
			}
			for _, l := range rec.Metadata.Labels {
				counts[l]++
			}
		}
	}

	out := make([]LabelCount, 0, len(s.Config.Labels))
	for _, label := range s.Config.Labels {
		out = append(out, LabelCount{Label: label, Count: counts[label]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *CaptureSession) handleLastCapture(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.LastCapture()
	if !ok {
		http.Error(w, "no capture yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec.Summary())
}

func (s *CaptureSession) handleLastCaptureImage(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.LastCapture()
	if !ok {
		http.Error(w, "no capture yet", http.StatusNotFound)
		return
	}
	data, err := utils.EncodePNG(rec.Image)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func (s *CaptureSession) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.Get(chi.URLParam(r, "key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec.Summary())
}

func (s *CaptureSession) handleCaptureImage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.Get(chi.URLParam(r, "key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	f, err := os.Open(rec.ImagePath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "image/png")
	http.ServeContent(w, r, rec.Key+models.ImageExt, rec.CapturedAt, f)
}

func recordHasLabel(rec *models.CaptureRecord, label string) bool {
	if !rec.HasMetadata() {
		return false
	}
	for _, l := range rec.Metadata.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func statusForError(err error) int {
	switch {
	case models.IsRequestError(err):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("Failed to write JSON response", zap.Error(err))
	}
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

package models

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
	"time"
)

const (
	ImageExt    = ".png"
	MetadataExt = ".json"

	// Channels of every persisted image. Alpha is dropped on normalization.
	Channels = 3
)

// Metadata is the observation metadata sent by the viewer with a capture.
// It is persisted verbatim: the bytes received from the viewer are kept
// and written to the sidecar as-is.
type Metadata struct {
	Heading    float64  `json:"heading"`
	Pitch      float64  `json:"pitch"`
	Zoom       float64  `json:"zoom"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	Labels     []string `json:"labels"`
	CanvasType string   `json:"canvas_type"`

	raw     json.RawMessage
	missing []string
}

type metadataAlias Metadata

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var probe struct {
		Heading *float64 `json:"heading"`
		Lat     *float64 `json:"lat"`
		Lon     *float64 `json:"lon"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	var alias metadataAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*m = Metadata(alias)

	m.missing = nil
	if probe.Lat == nil {
		m.missing = append(m.missing, "lat")
	}
	if probe.Lon == nil {
		m.missing = append(m.missing, "lon")
	}
	if probe.Heading == nil {
		m.missing = append(m.missing, "heading")
	}

	m.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	if len(m.raw) > 0 {
		return m.raw, nil
	}
	return json.Marshal(metadataAlias(m))
}

// Validate re-checks what the viewer is expected to enforce before it sends
// a capture: at least one label and a usable position.
func (m *Metadata) Validate() error {
	if len(m.missing) > 0 {
		return fmt.Errorf("%w: metadata is missing %v", ErrValidation, m.missing)
	}
	if len(m.Labels) == 0 {
		return fmt.Errorf("%w: must choose at least one label", ErrValidation)
	}
	if math.IsNaN(m.Lat) || m.Lat < -90 || m.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrValidation, m.Lat)
	}
	if math.IsNaN(m.Lon) || m.Lon < -180 || m.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrValidation, m.Lon)
	}
	if math.IsNaN(m.Heading) || math.IsInf(m.Heading, 0) {
		return fmt.Errorf("%w: heading %v is not finite", ErrValidation, m.Heading)
	}
	return nil
}

// StorageKey is the base file name shared by a record's image and sidecar.
// Only position and heading participate, so two captures at the same spot
// and heading address the same record.
func (m *Metadata) StorageKey() string {
	return StorageKey(m.Lat, m.Lon, m.Heading)
}

func StorageKey(lat, lon, heading float64) string {
	return fmt.Sprintf("%.6f_%.6f_%.1f", lat, lon, heading)
}

// CaptureRequest is what the viewer sends when the operator hits acquire.
type CaptureRequest struct {
	Metadata Metadata `json:"metadata"`
	Image    string   `json:"image"`
}

// CaptureRecord is a persisted image + sidecar pair addressed by Key.
type CaptureRecord struct {
	Key          string
	ImagePath    string
	MetadataPath string
	Metadata     *Metadata
	Image        image.Image
	CapturedAt   time.Time

	// MetadataErr is set when the sidecar is missing or unparsable. The
	// record is still usable for browsing the image.
	MetadataErr error
}

func (r *CaptureRecord) HasMetadata() bool {
	return r.Metadata != nil && r.MetadataErr == nil
}

// Shape returns the (height, width, channels) tuple reported to the viewer.
func (r *CaptureRecord) Shape() [3]int {
	if r.Image == nil {
		return [3]int{}
	}
	b := r.Image.Bounds()
	return [3]int{b.Dy(), b.Dx(), Channels}
}

// ShapeString formats Shape the way the viewer displays it, e.g. "(400, 600, 3)".
func (r *CaptureRecord) ShapeString() string {
	s := r.Shape()
	return fmt.Sprintf("(%d, %d, %d)", s[0], s[1], s[2])
}

// CaptureSummary is the JSON view of a record served to review clients.
type CaptureSummary struct {
	Key        string    `json:"key"`
	ImagePath  string    `json:"image_path"`
	Metadata   *Metadata `json:"metadata"`
	Shape      []int     `json:"shape,omitempty"`
	Error      string    `json:"error,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

func (r *CaptureRecord) Summary() CaptureSummary {
	s := CaptureSummary{
		Key:        r.Key,
		ImagePath:  r.ImagePath,
		Metadata:   r.Metadata,
		CapturedAt: r.CapturedAt,
	}
	if r.Image != nil {
		shape := r.Shape()
		s.Shape = shape[:]
	}
	if r.MetadataErr != nil {
		s.Error = "no metadata"
	}
	return s
}

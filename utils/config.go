package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultLabels is the business-category vocabulary offered to the operator
// when no label list is configured.
var DefaultLabels = []string{
	"supermercado", "talleres carros/motos", "parqueadero", "tienda", "carnicería/fruver", "licorera",
	"electrónica/cómputo", "ferretería", "muebles/tapicería",
	"electrodomésticos", "deporte", "ropa", "zapatería", "farmacia",
	"puesto móvil/toldito", "hotel", "café/restaurante", "bar",
	"belleza/barbería/peluquería", "animales",
}

const (
	DefaultHeight   = 400
	DefaultWidth    = 600
	DefaultDataDir  = "data"
	DefaultZoneFile = "zona.geojson"
	DefaultResample = "linear"
	DefaultPort     = "8080"
)

// Config is read once at startup and never mutated afterwards.
type Config struct {
	Port string

	Height int
	Width  int

	DataDir  string
	Labels   []string
	ZoneFile string
	Resample string

	MapsAPIKey string

	RedisHost     string
	RedisPassword string

	LogLevel string
}

// LoadConfig builds a Config from the environment. The .env file, if any,
// has already been loaded into the environment by main.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		DataDir:       getEnv("CAPTURE_DATA_DIR", DefaultDataDir),
		ZoneFile:      getEnv("CAPTURE_ZONE_FILE", DefaultZoneFile),
		Resample:      strings.ToLower(getEnv("CAPTURE_RESAMPLE", DefaultResample)),
		MapsAPIKey:    os.Getenv("MAPS_API_KEY"),
		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.Height, err = getEnvInt("CAPTURE_HEIGHT", DefaultHeight); err != nil {
		return nil, err
	}
	if cfg.Width, err = getEnvInt("CAPTURE_WIDTH", DefaultWidth); err != nil {
		return nil, err
	}
	if cfg.Height <= 0 || cfg.Width <= 0 {
		return nil, fmt.Errorf("capture dimensions must be positive, got %dx%d", cfg.Height, cfg.Width)
	}

	if _, err := ResampleFilter(cfg.Resample); err != nil {
		return nil, err
	}

	cfg.Labels, err = loadLabels()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadLabels prefers an explicit comma separated list, then a YAML file,
// then the built-in vocabulary.
func loadLabels() ([]string, error) {
	if list := os.Getenv("CAPTURE_LABELS"); list != "" {
		return splitLabels(list), nil
	}

	if path := os.Getenv("CAPTURE_LABELS_FILE"); path != "" {
		return LoadLabelsFile(path)
	}

	return append([]string(nil), DefaultLabels...), nil
}

// LoadLabelsFile reads a label vocabulary from a YAML file. Both a bare list
// and a mapping with a "labels" key are accepted.
func LoadLabelsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}

	var labels []string
	if err := yaml.Unmarshal(data, &labels); err != nil {
		var doc struct {
			Labels []string `yaml:"labels"`
		}
		if err2 := yaml.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("failed to parse labels file %s: %w", path, err)
		}
		labels = doc.Labels
	}

	labels = cleanLabels(labels)
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s has no labels", path)
	}
	return labels, nil
}

func splitLabels(list string) []string {
	return cleanLabels(strings.Split(list, ","))
}

func cleanLabels(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, l := range in {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// ResampleFilter maps a configured filter name to the imaging filter used
// when a capture has to be resized. Nearest neighbor is deliberately absent.
func ResampleFilter(name string) (imaging.ResampleFilter, error) {
	switch name {
	case "", "linear", "bilinear":
		return imaging.Linear, nil
	case "catmullrom":
		return imaging.CatmullRom, nil
	case "lanczos":
		return imaging.Lanczos, nil
	case "box":
		return imaging.Box, nil
	default:
		return imaging.ResampleFilter{}, fmt.Errorf("unsupported resample filter %q", name)
	}
}

// HasLabel reports whether label is part of the configured vocabulary.
func (c *Config) HasLabel(label string) bool {
	for _, l := range c.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ZapLevel parses LogLevel, falling back to info.
func (c *Config) ZapLevel() zap.AtomicLevel {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return level
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

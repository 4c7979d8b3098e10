// Package store persists captures as flat image + JSON sidecar pairs and
// enumerates them back for review.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Perceptus-Labs/geocapture/models"
	"github.com/Perceptus-Labs/geocapture/utils"
)

// CaptureStore is a directory of records. Each record is <key>.png plus
// <key>.json. The store assumes a single writer.
type CaptureStore struct {
	dir    string
	logger *zap.Logger
}

// NewCaptureStore creates dir if needed.
func NewCaptureStore(dir string, logger *zap.Logger) (*CaptureStore, error) {
	if logger == nil {
		logger = zap.L()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &CaptureStore{dir: dir, logger: logger}, nil
}

func (s *CaptureStore) Dir() string {
	return s.dir
}

// BasePath is <dir>/<key>, the path reported back to the viewer.
func (s *CaptureStore) BasePath(key string) string {
	return filepath.Join(s.dir, key)
}

func (s *CaptureStore) ImagePath(key string) string {
	return s.BasePath(key) + models.ImageExt
}

func (s *CaptureStore) MetadataPath(key string) string {
	return s.BasePath(key) + models.MetadataExt
}

// Save writes the image, then the sidecar, overwriting any record at key,
// and reads the sidecar back. Any failure is an ErrPersistence; a failure
// after the image write can leave the image without its sidecar.
func (s *CaptureStore) Save(key string, img image.Image, metadata *models.Metadata) (*models.CaptureRecord, error) {
	encoded, err := utils.EncodePNG(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal metadata: %v", models.ErrPersistence, err)
	}

	imagePath := s.ImagePath(key)
	if err := os.WriteFile(imagePath, encoded, 0o644); err != nil {
		return nil, fmt.Errorf("%w: failed to write image: %v", models.ErrPersistence, err)
	}

	metadataPath := s.MetadataPath(key)
	if err := os.WriteFile(metadataPath, metadataJSON, 0o644); err != nil {
		return nil, fmt.Errorf("%w: failed to write metadata (image %s has no sidecar): %v",
			models.ErrPersistence, imagePath, err)
	}

	readBack, err := readMetadata(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata read-back failed: %v", models.ErrPersistence, err)
	}

	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: image vanished after write: %v", models.ErrPersistence, err)
	}

	return &models.CaptureRecord{
		Key:          key,
		ImagePath:    imagePath,
		MetadataPath: metadataPath,
		Metadata:     readBack,
		Image:        img,
		CapturedAt:   info.ModTime(),
	}, nil
}

// Records enumerates the directory. The sequence is finite, forward-only and
// can be ranged over again to rescan. A record whose sidecar is missing or
// unparsable is still yielded, with MetadataErr wrapping ErrMetadata.
// Images are not decoded; use LoadImage.
func (s *CaptureStore) Records() iter.Seq[models.CaptureRecord] {
	return func(yield func(models.CaptureRecord) bool) {
		keys, err := s.keys()
		if err != nil {
			s.logger.Error("Failed to scan data directory", zap.String("dir", s.dir), zap.Error(err))
			return
		}

		for _, key := range keys {
			rec, ok := s.record(key)
			if !ok {
				// Removed between the scan and now.
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Get loads a single record by key.
func (s *CaptureStore) Get(key string) (models.CaptureRecord, error) {
	if !validKey(key) {
		return models.CaptureRecord{}, fmt.Errorf("%w: %q", models.ErrNotFound, key)
	}
	rec, ok := s.record(key)
	if !ok {
		return models.CaptureRecord{}, fmt.Errorf("%w: %q", models.ErrNotFound, key)
	}
	return rec, nil
}

// LoadImage decodes the image of rec.
func (s *CaptureStore) LoadImage(rec *models.CaptureRecord) (image.Image, error) {
	if rec.Image != nil {
		return rec.Image, nil
	}
	data, err := os.ReadFile(rec.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, _, err := utils.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (s *CaptureStore) record(key string) (models.CaptureRecord, bool) {
	imagePath := s.ImagePath(key)
	info, err := os.Stat(imagePath)
	if err != nil {
		return models.CaptureRecord{}, false
	}

	rec := models.CaptureRecord{
		Key:          key,
		ImagePath:    imagePath,
		MetadataPath: s.MetadataPath(key),
		CapturedAt:   info.ModTime(),
	}

	metadata, err := readMetadata(rec.MetadataPath)
	if err != nil {
		s.logger.Debug("Capture has no usable metadata", zap.String("key", key), zap.Error(err))
		rec.MetadataErr = fmt.Errorf("%w: %v", models.ErrMetadata, err)
		return rec, true
	}
	rec.Metadata = metadata
	return rec, true
}

func (s *CaptureStore) keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, models.ImageExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, models.ImageExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// readMetadata parses a sidecar. It must be a JSON object with a labels field.
func readMetadata(path string) (*models.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m models.Metadata
	if err := json.Unmarshal(bytes.TrimSpace(data), &m); err != nil {
		return nil, fmt.Errorf("invalid metadata json: %w", err)
	}
	if m.Labels == nil {
		return nil, fmt.Errorf("metadata has no labels field")
	}
	return &m, nil
}

func validKey(key string) bool {
	return key != "" && key != "." && key != ".." && !strings.ContainsAny(key, `/\`)
}

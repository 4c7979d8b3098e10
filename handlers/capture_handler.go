package handlers

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Perceptus-Labs/geocapture/models"
	"github.com/Perceptus-Labs/geocapture/store"
	"github.com/Perceptus-Labs/geocapture/utils"
)

// CaptureSession owns the capture pipeline and the process-wide session
// state. It is created once at startup and handed to every transport.
type CaptureSession struct {
	ID      string
	Config  *utils.Config
	Logger  *zap.Logger
	Store   *store.CaptureStore
	Index   *utils.CaptureIndex
	Zone    *utils.Zone
	Metrics *utils.Metrics

	StartTime time.Time

	filter imaging.ResampleFilter

	// captureMu serializes captures; the viewer only ever has one in flight.
	captureMu sync.Mutex

	mu          sync.RWMutex
	lastCapture *models.CaptureRecord
}

// SessionOption configures optional collaborators of a CaptureSession.
type SessionOption func(*CaptureSession)

// WithIndex mirrors successful captures into the Redis capture index.
func WithIndex(ix *utils.CaptureIndex) SessionOption {
	return func(s *CaptureSession) {
		s.Index = ix
	}
}

func WithZone(z *utils.Zone) SessionOption {
	return func(s *CaptureSession) {
		s.Zone = z
	}
}

func WithMetrics(m *utils.Metrics) SessionOption {
	return func(s *CaptureSession) {
		s.Metrics = m
	}
}

func NewCaptureSession(cfg *utils.Config, st *store.CaptureStore, opts ...SessionOption) (*CaptureSession, error) {
	filter, err := utils.ResampleFilter(cfg.Resample)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	session := &CaptureSession{
		ID:        id,
		Config:    cfg,
		Logger:    zap.L().With(zap.String("session_id", id)),
		Store:     st,
		StartTime: time.Now(),
		filter:    filter,
	}
	for _, opt := range opts {
		opt(session)
	}
	if session.Metrics == nil {
		session.Metrics = utils.NewMetrics(nil)
	}

	return session, nil
}

// LastCapture returns the most recent successful capture of this process.
func (s *CaptureSession) LastCapture() (*models.CaptureRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCapture, s.lastCapture != nil
}

func (s *CaptureSession) setLastCapture(rec *models.CaptureRecord) {
	s.mu.Lock()
	s.lastCapture = rec
	s.mu.Unlock()
}

// HandleCapture validates, decodes, normalizes and persists one capture and
// returns the acknowledgement shown to the operator.
func (s *CaptureSession) HandleCapture(ctx context.Context, req models.CaptureRequest) (string, error) {
	rec, err := s.Capture(ctx, req)
	if err != nil {
		return "", err
	}
	return s.acknowledge(rec), nil
}

// Capture is HandleCapture returning the persisted record instead of the
// acknowledgement text.
func (s *CaptureSession) Capture(ctx context.Context, req models.CaptureRequest) (*models.CaptureRecord, error) {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	start := time.Now()
	logger := s.Logger.With(zap.String("capture_id", uuid.New().String()))

	rec, err := s.capture(ctx, logger, req)
	s.Metrics.CaptureDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if models.IsRequestError(err) {
			s.Metrics.CapturesTotal.WithLabelValues("rejected").Inc()
			logger.Warn("Capture rejected", zap.Error(err))
		} else {
			s.Metrics.CapturesTotal.WithLabelValues("failed").Inc()
			logger.Error("Capture failed, record at this key may be inconsistent", zap.Error(err))
		}
		return nil, err
	}
	s.Metrics.CapturesTotal.WithLabelValues("success").Inc()

	return rec, nil
}

func (s *CaptureSession) acknowledge(rec *models.CaptureRecord) string {
	return Acknowledgement(s.Store.BasePath(rec.Key), rec.ShapeString())
}

func (s *CaptureSession) capture(ctx context.Context, logger *zap.Logger, req models.CaptureRequest) (*models.CaptureRecord, error) {
	metadata := req.Metadata
	if err := metadata.Validate(); err != nil {
		return nil, err
	}

	// 1) Decode
	data, err := utils.DecodeDataURI(req.Image)
	if err != nil {
		return nil, err
	}
	img, format, err := utils.DecodeImage(data)
	if err != nil {
		return nil, err
	}

	// 2) Normalize to the configured shape
	src := img.Bounds()
	normalized, resized := utils.NormalizeImage(img, s.Config.Height, s.Config.Width, s.filter)
	if resized {
		s.Metrics.ResizedTotal.Inc()
		logger.Debug("Resized capture",
			zap.Int("src_height", src.Dy()), zap.Int("src_width", src.Dx()),
			zap.Int("height", s.Config.Height), zap.Int("width", s.Config.Width))
	}

	for _, label := range metadata.Labels {
		if !s.Config.HasLabel(label) {
			logger.Warn("Capture label is not in the configured vocabulary", zap.String("label", label))
		}
	}
	if !s.Zone.Contains(metadata.Lat, metadata.Lon) {
		s.Metrics.OutsideZone.Inc()
		logger.Warn("Capture is outside the labeling zone",
			zap.Float64("lat", metadata.Lat), zap.Float64("lon", metadata.Lon))
	}

	// 3) Persist, overwriting any record at the same key
	key := metadata.StorageKey()
	rec, err := s.Store.Save(key, normalized, &metadata)
	if err != nil {
		return nil, err
	}

	s.setLastCapture(rec)

	logger.Info("Capture saved",
		zap.String("key", key),
		zap.Strings("labels", metadata.Labels),
		zap.String("format", format),
		zap.String("canvas_type", metadata.CanvasType),
		zap.Bool("resized", resized))

	// 4) Mirror into the index; the files on disk are authoritative
	if s.Index != nil {
		if err := s.Index.Upsert(ctx, rec); err != nil {
			s.Metrics.IndexErrors.Inc()
			logger.Error("Failed to index capture", zap.String("key", key), zap.Error(err))
		}
	}

	return rec, nil
}

// Acknowledgement is the HTML fragment the viewer displays after a capture.
func Acknowledgement(path, shape string) string {
	return fmt.Sprintf("saved to &nbsp;&nbsp;&nbsp;<font color='red'><tt>%s</tt></font>&nbsp;&nbsp;&nbsp; with size <tt>%s</tt>",
		html.EscapeString(path), shape)
}

// ErrorMessage is the HTML fragment shown to the operator for a failed capture.
func ErrorMessage(err error) string {
	return fmt.Sprintf("<b><font color='red'>%s</font></b>", html.EscapeString(err.Error()))
}

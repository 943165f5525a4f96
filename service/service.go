// Package service owns the mutable state of one face recognition instance:
// the model buffers and handles, the stats record, and the inference
// pipeline that ties them together.
//
// A Service is not safe for concurrent use. Callers serialize access, which
// the HTTP server does through its dispatcher.
package service

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/Tutortoise/face-recognition-service/detections"
	"github.com/Tutortoise/face-recognition-service/models"
	log "github.com/sirupsen/logrus"
)

// Loader turns accumulated model bytes into a runnable handle.
type Loader interface {
	Load(kind models.ModelKind, data []byte) (detections.Handle, error)
}

type Options struct {
	Decode detections.DecodeOptions
	// MaxImagePixels rejects larger images before decoding their pixels.
	MaxImagePixels int
}

func DefaultOptions() Options {
	return Options{
		Decode:         detections.DefaultDecodeOptions(),
		MaxImagePixels: detections.DefaultMaxImagePixels,
	}
}

var ErrUnknownModelKind = errors.New("service: unknown model kind")

type Service struct {
	loader Loader
	opts   Options
	store  *modelStore
	stats  models.ServiceStats
	log    *log.Entry

	restored bool
}

func New(loader Loader, opts Options) *Service {
	if opts.Decode.Threshold == 0 {
		opts.Decode.Threshold = detections.ConfThreshold
	}
	if opts.MaxImagePixels <= 0 {
		opts.MaxImagePixels = detections.DefaultMaxImagePixels
	}
	return &Service{
		loader: loader,
		opts:   opts,
		store:  newModelStore(),
		stats:  models.DefaultStats(),
		log:    log.WithField("component", "service"),
	}
}

// AppendModelBytes adds chunk to the upload buffer for kind. Chunks must
// arrive in order; an empty chunk changes nothing.
func (s *Service) AppendModelBytes(kind models.ModelKind, chunk []byte) error {
	slot, err := s.store.lookup(kind)
	if err != nil {
		return err
	}
	if !s.store.append(kind, chunk) {
		s.log.WithField("model", kind).Debug("empty chunk ignored")
		return nil
	}
	s.stats.SetStatus(kind, slot.status)
	s.stats.SetModelSize(kind, uint64(len(slot.buf)))
	return nil
}

// ClearModelBytes discards the buffer and handle for kind.
func (s *Service) ClearModelBytes(kind models.ModelKind) error {
	if _, err := s.store.lookup(kind); err != nil {
		return err
	}
	s.store.clear(kind)
	s.stats.SetStatus(kind, models.StatusNotLoaded())
	s.stats.SetModelSize(kind, 0)
	return nil
}

// SetupModels builds handles from the current buffers and returns one report
// line per model kind.
func (s *Service) SetupModels() string {
	lines := make([]string, 0, len(models.Kinds))
	for _, kind := range models.Kinds {
		lines = append(lines, s.setup(kind))
	}
	return strings.Join(lines, "\n")
}

func (s *Service) setup(kind models.ModelKind) string {
	slot := s.store.slot(kind)
	if len(slot.buf) == 0 {
		return fmt.Sprintf(MsgNoModelBytes, kind)
	}

	start := time.Now()
	slot.dropHandle()
	handle, err := s.loader.Load(kind, slot.buf)
	if err != nil {
		msg := fmt.Sprintf(errLoadFailed, kind, err)
		s.setStatus(kind, models.StatusError(msg))
		s.log.WithFields(log.Fields{
			"model": kind,
			"size":  len(slot.buf),
		}).Warn(msg)
		return fmt.Sprintf(MsgModelFailed, msg)
	}

	slot.handle = handle
	s.setStatus(kind, models.StatusReady())
	s.log.WithFields(log.Fields{
		"model":    kind,
		"size":     len(slot.buf),
		"duration": time.Since(start),
	}).Info("model ready")
	return fmt.Sprintf(MsgModelLoaded, kind)
}

func (s *Service) setStatus(kind models.ModelKind, status models.ModelStatus) {
	s.store.slot(kind).status = status
	s.stats.SetStatus(kind, status)
}

// Detect finds faces in imageBytes. Failures are logged and reported as an
// empty result. timings may be nil.
func (s *Service) Detect(imageBytes []byte, timings *models.ProcessingTimings) models.DetectionResult {
	s.stats.TotalDetections++
	timings = startTimings(timings)
	defer finishTimings(timings, time.Now())

	if !s.store.slot(models.Detection).ready() {
		return models.NewDetectionResult(nil)
	}
	img, err := s.decodeImage(imageBytes, timings)
	if err != nil {
		s.logFailure("detect", timings, err)
		return models.NewDetectionResult(nil)
	}
	boxes, err := s.detect(img, timings)
	if err != nil {
		s.logFailure("detect", timings, err)
		return models.NewDetectionResult(nil)
	}
	return models.NewDetectionResult(boxes)
}

// Recognize detects faces in imageBytes and embeds the first one. The boxes
// are returned even when no embedding could be produced.
func (s *Service) Recognize(imageBytes []byte, timings *models.ProcessingTimings) models.RecognitionResult {
	s.stats.TotalRecognitions++
	timings = startTimings(timings)
	defer finishTimings(timings, time.Now())

	empty := models.NewRecognitionResult(models.NewDetectionResult(nil), nil)
	if !s.store.slot(models.Detection).ready() {
		return empty
	}
	img, err := s.decodeImage(imageBytes, timings)
	if err != nil {
		s.logFailure("recognize", timings, err)
		return empty
	}
	boxes, err := s.detect(img, timings)
	if err != nil {
		s.logFailure("recognize", timings, err)
		return empty
	}
	det := models.NewDetectionResult(boxes)

	recognizer := s.store.slot(models.Recognition)
	if !det.FaceDetected || !recognizer.ready() {
		return models.NewRecognitionResult(det, nil)
	}

	extractStart := time.Now()
	embedding, err := detections.ExtractEmbedding(img, det.BoundingBoxes, recognizer.handle)
	timings.Extraction = time.Since(extractStart)
	if err != nil {
		s.logFailure("recognize", timings, err)
		return models.NewRecognitionResult(det, nil)
	}
	return models.NewRecognitionResult(det, embedding)
}

func (s *Service) detect(img image.Image, timings *models.ProcessingTimings) ([]models.BoundingBox, error) {
	return detections.ProcessImage(img, s.store.slot(models.Detection).handle, s.opts.Decode, timings)
}

func (s *Service) logFailure(op string, timings *models.ProcessingTimings, err error) {
	stage := detections.StageOf(err)
	if stage == "" {
		stage = detections.StageEngine
	}
	entry := s.log.WithFields(log.Fields{
		"op":    op,
		"stage": stage,
	})
	if timings.RequestID != "" {
		entry = entry.WithField("request_id", timings.RequestID)
	}
	if errors.Is(err, detections.ErrDecode) {
		entry.Debugf("unreadable image: %v", err)
		return
	}
	entry.Warnf("inference failed: %v", err)
}

func (s *Service) decodeImage(data []byte, timings *models.ProcessingTimings) (image.Image, error) {
	start := time.Now()
	img, err := detections.DecodeImage(data, s.opts.MaxImagePixels)
	timings.ImageDecode = time.Since(start)
	return img, err
}

func startTimings(t *models.ProcessingTimings) *models.ProcessingTimings {
	if t == nil {
		return &models.ProcessingTimings{}
	}
	return t
}

func finishTimings(t *models.ProcessingTimings, start time.Time) {
	t.Total = time.Since(start)
}

// Stats returns a copy of the stats record.
func (s *Service) Stats() models.ServiceStats {
	return s.stats
}

// ResetStats zeroes the request counters. Statuses and sizes are kept.
func (s *Service) ResetStats() {
	s.stats.TotalDetections = 0
	s.stats.TotalRecognitions = 0
}

// Healthy reports whether both models are loaded and ready in this process.
func (s *Service) Healthy() bool {
	for _, kind := range models.Kinds {
		if !s.store.slot(kind).status.IsReady() {
			return false
		}
	}
	return true
}

// ModelStatus is the live status of kind in this process, which can differ
// from the restored stats record until the model is uploaded again. Unknown
// kinds report NotLoaded.
func (s *Service) ModelStatus(kind models.ModelKind) models.ModelStatus {
	slot, err := s.store.lookup(kind)
	if err != nil {
		return models.StatusNotLoaded()
	}
	return slot.status
}

// Close releases any loaded model handles.
func (s *Service) Close() {
	s.store.close()
}

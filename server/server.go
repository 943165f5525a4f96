// Package server exposes the face recognition service over HTTP.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/Tutortoise/face-recognition-service/models"
	"github.com/Tutortoise/face-recognition-service/service"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxChunkBytes = 2 << 20
	DefaultMaxImageBytes = 10 << 20
)

var errTooLarge = errors.New("payload exceeds the per-call limit")

type Options struct {
	MaxChunkBytes int64
	MaxImageBytes int64
}

type Server struct {
	disp   *Dispatcher
	opts   Options
	router *mux.Router
	log    *log.Entry
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type SetupResponse struct {
	Report string `json:"report"`
}

type HealthResponse struct {
	Healthy bool `json:"healthy"`
}

type ctxKey struct{}

func New(disp *Dispatcher, opts Options) *Server {
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = DefaultMaxImageBytes
	}
	s := &Server{
		disp:   disp,
		opts:   opts,
		router: mux.NewRouter(),
		log:    log.WithField("component", "server"),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(s.withRequestID)

	r.HandleFunc("/models/{kind}/chunks", s.handleAppendChunk).Methods("POST")
	r.HandleFunc("/models/{kind}", s.handleClearModel).Methods("DELETE")
	r.HandleFunc("/models/setup", s.handleSetup).Methods("POST")

	r.HandleFunc("/detect", s.handleDetect).Methods("POST")
	r.HandleFunc("/recognize", s.handleRecognize).Methods("POST")

	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/stats/reset", s.handleResetStats).Methods("POST")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (s *Server) handleAppendChunk(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.modelKind(w, r)
	if !ok {
		return
	}
	chunk, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxChunkBytes))
	if err != nil {
		s.sendReadError(w, err)
		return
	}
	var appendErr error
	if !s.dispatch(w, r, func(svc *service.Service) { appendErr = svc.AppendModelBytes(kind, chunk) }) {
		return
	}
	if appendErr != nil {
		sendErrorResponse(w, "unknown_model", appendErr.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearModel(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.modelKind(w, r)
	if !ok {
		return
	}
	var clearErr error
	if !s.dispatch(w, r, func(svc *service.Service) { clearErr = svc.ClearModelBytes(kind) }) {
		return
	}
	if clearErr != nil {
		sendErrorResponse(w, "unknown_model", clearErr.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var report string
	if !s.dispatch(w, r, func(svc *service.Service) { report = svc.SetupModels() }) {
		return
	}
	s.log.WithField("request_id", requestID(r)).Info(report)
	sendJSON(w, SetupResponse{Report: report})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	img, err := s.readImage(w, r)
	if err != nil {
		s.sendReadError(w, err)
		return
	}
	timings := &models.ProcessingTimings{RequestID: requestID(r)}
	var result models.DetectionResult
	if !s.dispatch(w, r, func(svc *service.Service) { result = svc.Detect(img, timings) }) {
		return
	}
	s.logTimings("detect", timings)
	sendJSON(w, result)
}

func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	img, err := s.readImage(w, r)
	if err != nil {
		s.sendReadError(w, err)
		return
	}
	timings := &models.ProcessingTimings{RequestID: requestID(r)}
	var result models.RecognitionResult
	if !s.dispatch(w, r, func(svc *service.Service) { result = svc.Recognize(img, timings) }) {
		return
	}
	s.logTimings("recognize", timings)
	sendJSON(w, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var stats models.ServiceStats
	if !s.dispatch(w, r, func(svc *service.Service) { stats = svc.Stats() }) {
		return
	}
	sendJSON(w, stats)
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	if !s.dispatch(w, r, func(svc *service.Service) { svc.ResetStats() }) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var healthy bool
	if !s.dispatch(w, r, func(svc *service.Service) { healthy = svc.Healthy() }) {
		return
	}
	sendJSON(w, HealthResponse{Healthy: healthy})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, s.disp.Metrics())
}

// dispatch runs fn on the service and writes an error response when the
// service could not be acquired.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, fn func(*service.Service)) bool {
	err := s.disp.Do(r.Context(), fn)
	if err == nil {
		return true
	}
	s.log.WithField("request_id", requestID(r)).Warnf("dispatch: %v", err)
	sendErrorResponse(w, "service_unavailable", err.Error(), http.StatusServiceUnavailable)
	return false
}

func (s *Server) modelKind(w http.ResponseWriter, r *http.Request) (models.ModelKind, bool) {
	kind, err := models.ParseModelKind(mux.Vars(r)["kind"])
	if err != nil {
		sendErrorResponse(w, "unknown_model", err.Error(), http.StatusNotFound)
		return "", false
	}
	return kind, true
}

// readImage extracts image bytes from a raw, JSON (base64 "image") or
// multipart ("file") request body.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		img []byte
		err error
	)
	switch mediaType {
	case "application/json":
		// base64 inflates the payload by a third
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxImageBytes/3*4+4096)
		img, err = handleJSONRequest(r)
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxImageBytes+1<<20)
		img, err = handleMultipartRequest(r, s.opts.MaxImageBytes)
	default:
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxImageBytes)
		img, err = io.ReadAll(r.Body)
	}
	if err != nil {
		return nil, err
	}
	if int64(len(img)) > s.opts.MaxImageBytes {
		return nil, errTooLarge
	}
	return img, nil
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request, maxMemory int64) ([]byte, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func (s *Server) sendReadError(w http.ResponseWriter, err error) {
	var tooBig *http.MaxBytesError
	if errors.Is(err, errTooLarge) || errors.As(err, &tooBig) {
		sendErrorResponse(w, "payload_too_large", errTooLarge.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
}

func (s *Server) logTimings(op string, t *models.ProcessingTimings) {
	s.log.WithFields(log.Fields{
		"request_id":  t.RequestID,
		"op":          op,
		"decode":      t.ImageDecode,
		"resize":      t.Resize,
		"preprocess":  t.Preprocess,
		"inference":   t.Inference,
		"postprocess": t.Postprocess,
		"extraction":  t.Extraction,
		"total":       t.Total,
	}).Debug("processing times")
}

// sendJSON encodes v before touching the response so that an encoding
// failure can still be reported with the error envelope.
func sendJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.WithField("component", "server").Errorf("encode response: %v", err)
		sendErrorResponse(w, "encoding_error", "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(append(data, '\n'))
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then drains
// in-flight requests for up to grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout, grace time.Duration) error {
	srv := &http.Server{
		Handler:      s.router,
		Addr:         addr,
		WriteTimeout: writeTimeout,
		ReadTimeout:  readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Starting server on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	s.log.Info("Shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

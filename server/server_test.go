package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tutortoise/face-recognition-service/detections"
	"github.com/Tutortoise/face-recognition-service/models"
	"github.com/Tutortoise/face-recognition-service/service"
)

type stubHandle struct {
	outputs []detections.Tensor
}

func (h *stubHandle) Run(detections.Tensor) ([]detections.Tensor, error) {
	return h.outputs, nil
}

func (h *stubHandle) Close() error { return nil }

// stubLoader rejects tiny models and returns a detector that always sees
// one face, or a recognizer with a fixed embedding.
type stubLoader struct{}

func (stubLoader) Load(kind models.ModelKind, data []byte) (detections.Handle, error) {
	if err := detections.ValidateModelBytes(data); err != nil {
		return nil, err
	}
	if kind == models.Recognition {
		return &stubHandle{outputs: []detections.Tensor{{Shape: []int64{1, 2}, Data: []float32{1, 2}}}}, nil
	}
	return &stubHandle{outputs: []detections.Tensor{
		{Shape: []int64{1, 1, 4}, Data: []float32{32, 24, 160, 120}},
		{Shape: []int64{1, 1, 2}, Data: []float32{0.05, 0.95}},
	}}, nil
}

// nanLoader is stubLoader with a recognizer that emits NaN.
type nanLoader struct{ stubLoader }

func (l nanLoader) Load(kind models.ModelKind, data []byte) (detections.Handle, error) {
	if kind == models.Recognition {
		return &stubHandle{outputs: []detections.Tensor{{Shape: []int64{1, 2}, Data: []float32{float32(math.NaN()), 1}}}}, nil
	}
	return l.stubLoader.Load(kind, data)
}

func newTestServer(t *testing.T, opts Options) (*Server, *Dispatcher) {
	t.Helper()
	disp := NewDispatcher(service.New(stubLoader{}, service.DefaultOptions()), time.Second)
	return New(disp, opts), disp
}

func do(t *testing.T, s *Server, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func provision(t *testing.T, s *Server) {
	t.Helper()
	for _, kind := range models.Kinds {
		for i := 0; i < 2; i++ {
			rec := do(t, s, "POST", "/models/"+string(kind)+"/chunks", "application/octet-stream", make([]byte, 80))
			if rec.Code != http.StatusNoContent {
				t.Fatalf("append %s: status %d", kind, rec.Code)
			}
		}
	}
	rec := do(t, s, "POST", "/models/setup", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("setup: status %d", rec.Code)
	}
	report := decode[SetupResponse](t, rec).Report
	if strings.Count(report, "✅") != 2 {
		t.Fatalf("report = %q", report)
	}
}

func TestDetectBeforeSetup(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := do(t, s, "POST", "/detect", "image/png", pngBytes(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); strings.TrimSpace(got) != `{"face_detected":false,"face_count":0,"bounding_boxes":[]}` {
		t.Errorf("body = %s", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestDetectAndRecognize(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	provision(t, s)
	img := pngBytes(t)

	rec := do(t, s, "POST", "/detect", "", img)
	det := decode[models.DetectionResult](t, rec)
	if det.FaceCount != 1 || !det.FaceDetected {
		t.Fatalf("detect = %+v", det)
	}
	want := models.BoundingBox{X: 0.1, Y: 0.1, Width: 0.4, Height: 0.4}
	if got := det.BoundingBoxes[0]; !approxBox(got, want) {
		t.Errorf("box = %+v, want %+v", got, want)
	}

	body, _ := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(img)})
	rec = do(t, s, "POST", "/recognize", "application/json; charset=utf-8", body)
	rr := decode[models.RecognitionResult](t, rec)
	if rr.FaceCount != 1 || len(rr.FaceEmbeddings) != 2 {
		t.Fatalf("recognize = %+v", rr)
	}

	var mp bytes.Buffer
	mw := multipart.NewWriter(&mp)
	fw, _ := mw.CreateFormFile("file", "face.png")
	fw.Write(img)
	mw.Close()
	rec = do(t, s, "POST", "/detect", mw.FormDataContentType(), mp.Bytes())
	if det := decode[models.DetectionResult](t, rec); det.FaceCount != 1 {
		t.Errorf("multipart detect = %+v", det)
	}

	rec = do(t, s, "GET", "/health", "", nil)
	if !decode[HealthResponse](t, rec).Healthy {
		t.Error("not healthy after setup")
	}

	rec = do(t, s, "GET", "/stats", "", nil)
	st := decode[models.ServiceStats](t, rec)
	if st.TotalDetections != 2 || st.TotalRecognitions != 1 || st.DetectionModelSize != 160 {
		t.Errorf("stats = %+v", st)
	}
	if !st.DetectionStatus.IsReady() {
		t.Errorf("detection status = %v", st.DetectionStatus)
	}
}

func approxBox(a, b models.BoundingBox) bool {
	near := func(x, y float32) bool { return x-y < 1e-5 && y-x < 1e-5 }
	return near(a.X, b.X) && near(a.Y, b.Y) && near(a.Width, b.Width) && near(a.Height, b.Height)
}

func TestBadImageIsEmptyResult(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	provision(t, s)

	rec := do(t, s, "POST", "/recognize", "", []byte("garbage"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rr := decode[models.RecognitionResult](t, rec)
	if rr.FaceDetected || len(rr.FaceEmbeddings) != 0 || len(rr.BoundingBoxes) != 0 {
		t.Errorf("result = %+v", rr)
	}
}

func TestNonFiniteEmbeddingIsEmptyResult(t *testing.T) {
	disp := NewDispatcher(service.New(nanLoader{}, service.DefaultOptions()), time.Second)
	s := New(disp, Options{})
	provision(t, s)

	rec := do(t, s, "POST", "/recognize", "", pngBytes(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	rr := decode[models.RecognitionResult](t, rec)
	if rr.FaceCount != 1 || len(rr.BoundingBoxes) != 1 {
		t.Errorf("boxes lost: %+v", rr)
	}
	if len(rr.FaceEmbeddings) != 0 {
		t.Errorf("embedding = %v, want empty", rr.FaceEmbeddings)
	}
}

func TestSendJSONEncodingFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	sendJSON(rec, map[string]float64{"x": math.Inf(1)})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if e := decode[ErrorResponse](t, rec); e.Code != "encoding_error" {
		t.Errorf("error = %+v", e)
	}
}

func TestInvalidEnvelope(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := do(t, s, "POST", "/detect", "application/json", []byte(`{"image": 12}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if e := decode[ErrorResponse](t, rec); e.Code != "invalid_request" {
		t.Errorf("error = %+v", e)
	}
}

func TestPayloadLimits(t *testing.T) {
	s, _ := newTestServer(t, Options{MaxChunkBytes: 64, MaxImageBytes: 128})

	rec := do(t, s, "POST", "/models/detection/chunks", "", make([]byte, 65))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("chunk status = %d", rec.Code)
	}
	rec = do(t, s, "POST", "/detect", "", make([]byte, 129))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("image status = %d", rec.Code)
	}
	if e := decode[ErrorResponse](t, rec); e.Code != "payload_too_large" {
		t.Errorf("error = %+v", e)
	}

	rec = do(t, s, "GET", "/stats", "", nil)
	if st := decode[models.ServiceStats](t, rec); st.DetectionModelSize != 0 {
		t.Errorf("oversize chunk was stored: %+v", st)
	}
}

func TestModelRoutes(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	rec := do(t, s, "POST", "/models/landmark/chunks", "", []byte{1})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown kind status = %d", rec.Code)
	}

	do(t, s, "POST", "/models/recognition/chunks", "", make([]byte, 50))
	rec = do(t, s, "POST", "/models/setup", "", nil)
	report := decode[SetupResponse](t, rec).Report
	if !strings.Contains(report, "⚠️ No face detection model bytes available") || !strings.Contains(report, "❌") {
		t.Errorf("report = %q", report)
	}

	rec = do(t, s, "DELETE", "/models/recognition", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("clear status = %d", rec.Code)
	}
	rec = do(t, s, "GET", "/stats", "", nil)
	st := decode[models.ServiceStats](t, rec)
	if st.RecognitionModelSize != 0 || st.RecognitionStatus != models.StatusNotLoaded() {
		t.Errorf("stats after clear = %+v", st)
	}
}

func TestResetStats(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	do(t, s, "POST", "/detect", "", pngBytes(t))
	do(t, s, "POST", "/models/detection/chunks", "", make([]byte, 10))

	rec := do(t, s, "POST", "/stats/reset", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = do(t, s, "GET", "/stats", "", nil)
	st := decode[models.ServiceStats](t, rec)
	if st.TotalDetections != 0 || st.DetectionModelSize != 10 || st.DetectionStatus != models.StatusLoading() {
		t.Errorf("stats = %+v", st)
	}
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	do(t, s, "GET", "/health", "", nil)
	do(t, s, "GET", "/health", "", nil)

	rec := do(t, s, "GET", "/metrics", "", nil)
	m := decode[MetricsSnapshot](t, rec)
	if m.TotalAcquired != 2 || m.TotalReleased != 2 || m.InUse != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestDispatcherSerializes(t *testing.T) {
	disp := NewDispatcher(service.New(stubLoader{}, service.DefaultOptions()), 50*time.Millisecond)

	svc, err := disp.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := disp.Acquire(context.Background()); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second Acquire err = %v, want timeout", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := disp.Do(ctx, func(*service.Service) { t.Error("ran with cancelled context") }); err == nil {
		t.Error("Do succeeded while the service was held")
	}
	disp.Release(svc)

	if m := disp.Metrics(); m.AcquireFailures != 1 || m.TotalAcquired != 1 || m.TotalReleased != 1 {
		t.Errorf("metrics = %+v", m)
	}

	got, err := disp.Shutdown(context.Background())
	if err != nil || got != svc {
		t.Fatalf("Shutdown = %v, %v", got, err)
	}
	if _, err := disp.Acquire(context.Background()); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Acquire after Shutdown err = %v", err)
	}
}

func TestBusyServiceIsUnavailable(t *testing.T) {
	disp := NewDispatcher(service.New(stubLoader{}, service.DefaultOptions()), 20*time.Millisecond)
	s := New(disp, Options{})

	svc, _ := disp.Acquire(context.Background())
	defer disp.Release(svc)

	rec := do(t, s, "GET", "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

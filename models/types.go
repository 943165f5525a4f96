package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// BoundingBox is a face region expressed as fractions of the model input
// resolution. Values are not clamped to [0,1].
type BoundingBox struct {
	X      float32 `json:"x" msgpack:"x"`
	Y      float32 `json:"y" msgpack:"y"`
	Width  float32 `json:"width" msgpack:"width"`
	Height float32 `json:"height" msgpack:"height"`
}

type DetectionResult struct {
	FaceDetected  bool          `json:"face_detected"`
	FaceCount     uint32        `json:"face_count"`
	BoundingBoxes []BoundingBox `json:"bounding_boxes"`
}

// NewDetectionResult derives FaceDetected and FaceCount from boxes so the
// three fields can never disagree.
func NewDetectionResult(boxes []BoundingBox) DetectionResult {
	if boxes == nil {
		boxes = []BoundingBox{}
	}
	return DetectionResult{
		FaceDetected:  len(boxes) > 0,
		FaceCount:     uint32(len(boxes)),
		BoundingBoxes: boxes,
	}
}

type RecognitionResult struct {
	FaceDetected   bool          `json:"face_detected"`
	FaceCount      uint32        `json:"face_count"`
	FaceEmbeddings []float32     `json:"face_embeddings"`
	BoundingBoxes  []BoundingBox `json:"bounding_boxes"`
}

// NewRecognitionResult attaches an embedding to a detection. The embedding is
// dropped when the detection found no face.
func NewRecognitionResult(det DetectionResult, embedding []float32) RecognitionResult {
	det = NewDetectionResult(det.BoundingBoxes)
	if embedding == nil || !det.FaceDetected {
		embedding = []float32{}
	}
	return RecognitionResult{
		FaceDetected:   det.FaceDetected,
		FaceCount:      det.FaceCount,
		FaceEmbeddings: embedding,
		BoundingBoxes:  det.BoundingBoxes,
	}
}

// Detection returns the detection part of the result.
func (r RecognitionResult) Detection() DetectionResult {
	return NewDetectionResult(r.BoundingBoxes)
}

// ModelKind names one of the two independently provisioned models.
type ModelKind string

const (
	Detection   ModelKind = "detection"
	Recognition ModelKind = "recognition"
)

// Kinds lists the model kinds in setup order.
var Kinds = []ModelKind{Detection, Recognition}

func ParseModelKind(s string) (ModelKind, error) {
	switch ModelKind(s) {
	case Detection, Recognition:
		return ModelKind(s), nil
	}
	return "", fmt.Errorf("unknown model kind %q", s)
}

type StatusState string

const (
	StateNotLoaded StatusState = "not_loaded"
	StateLoading   StatusState = "loading"
	StateReady     StatusState = "ready"
	StateError     StatusState = "error"
)

// ModelStatus is the lifecycle state of a model. Message is only meaningful
// for StateError.
type ModelStatus struct {
	State   StatusState `msgpack:"state"`
	Message string      `msgpack:"message,omitempty"`
}

func StatusNotLoaded() ModelStatus { return ModelStatus{State: StateNotLoaded} }
func StatusLoading() ModelStatus   { return ModelStatus{State: StateLoading} }
func StatusReady() ModelStatus     { return ModelStatus{State: StateReady} }

func StatusError(msg string) ModelStatus {
	return ModelStatus{State: StateError, Message: msg}
}

func (s ModelStatus) IsReady() bool { return s.State == StateReady }

func (s ModelStatus) String() string {
	if s.State == StateError {
		return fmt.Sprintf("error(%s)", s.Message)
	}
	if s.State == "" {
		return string(StateNotLoaded)
	}
	return string(s.State)
}

// MarshalJSON encodes payload-free states as a bare string and the error
// state as {"error": message}.
func (s ModelStatus) MarshalJSON() ([]byte, error) {
	switch s.State {
	case StateError:
		return json.Marshal(map[string]string{string(StateError): s.Message})
	case "":
		return json.Marshal(StateNotLoaded)
	}
	return json.Marshal(s.State)
}

func (s *ModelStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch StatusState(name) {
		case StateNotLoaded, StateLoading, StateReady:
			*s = ModelStatus{State: StatusState(name)}
			return nil
		}
		return fmt.Errorf("unknown model status %q", name)
	}

	var tagged map[string]string
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("decode model status: %w", err)
	}
	msg, ok := tagged[string(StateError)]
	if !ok || len(tagged) != 1 {
		return fmt.Errorf("unknown model status %s", data)
	}
	*s = StatusError(msg)
	return nil
}

// ServiceStats is the only state that survives a restart.
type ServiceStats struct {
	DetectionStatus      ModelStatus `json:"detection_status" msgpack:"detection_status"`
	RecognitionStatus    ModelStatus `json:"recognition_status" msgpack:"recognition_status"`
	TotalDetections      uint64      `json:"total_detections" msgpack:"total_detections"`
	TotalRecognitions    uint64      `json:"total_recognitions" msgpack:"total_recognitions"`
	DetectionModelSize   uint64      `json:"detection_model_size" msgpack:"detection_model_size"`
	RecognitionModelSize uint64      `json:"recognition_model_size" msgpack:"recognition_model_size"`
}

func DefaultStats() ServiceStats {
	return ServiceStats{
		DetectionStatus:   StatusNotLoaded(),
		RecognitionStatus: StatusNotLoaded(),
	}
}

// Status returns the recorded status for kind.
func (s *ServiceStats) Status(kind ModelKind) ModelStatus {
	if kind == Recognition {
		return s.RecognitionStatus
	}
	return s.DetectionStatus
}

func (s *ServiceStats) SetStatus(kind ModelKind, status ModelStatus) {
	if kind == Recognition {
		s.RecognitionStatus = status
		return
	}
	s.DetectionStatus = status
}

func (s *ServiceStats) SetModelSize(kind ModelKind, size uint64) {
	if kind == Recognition {
		s.RecognitionModelSize = size
		return
	}
	s.DetectionModelSize = size
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Extraction  time.Duration
	Total       time.Duration
}

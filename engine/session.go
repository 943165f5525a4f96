package engine

import (
	"fmt"
	"slices"

	"github.com/Tutortoise/face-recognition-service/detections"

	ort "github.com/yalue/onnxruntime_go"
)

// sessionHandle runs one ONNX Runtime session bound to a fixed input shape.
type sessionHandle struct {
	session *ort.DynamicAdvancedSession
	shape   []int64
	outputs int
}

func (h *sessionHandle) Run(input detections.Tensor) ([]detections.Tensor, error) {
	if h.session == nil {
		return nil, fmt.Errorf("session is closed")
	}
	if !slices.Equal(input.Shape, h.shape) {
		return nil, fmt.Errorf("input shape %v, session bound to %v", input.Shape, h.shape)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	// nil outputs are allocated by onnxruntime with the shapes it infers.
	outputs := make([]ort.Value, h.outputs)
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	if err := h.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	result := make([]detections.Tensor, len(outputs))
	for i, v := range outputs {
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %d is not a float32 tensor", i)
		}
		out, err := detections.NewTensor(slices.Clone([]int64(t.GetShape())), slices.Clone(t.GetData()))
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		result[i] = out
	}
	return result, nil
}

func (h *sessionHandle) Close() error {
	if h.session == nil {
		return nil
	}
	err := h.session.Destroy()
	h.session = nil
	return err
}

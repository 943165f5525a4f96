package detections

import (
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/face-recognition-service/models"
)

// DecodeOptions controls how raw detector output becomes bounding boxes.
type DecodeOptions struct {
	// Threshold is the exclusive lower bound on the face-class score.
	Threshold float32
	// IoUThreshold enables greedy non-maximum suppression when > 0.
	// Surviving boxes keep their output order.
	IoUThreshold float32
}

func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{Threshold: ConfThreshold}
}

type candidate struct {
	box   models.BoundingBox
	score float32
}

// ProcessImage runs the detector on an already decoded image and returns the
// decoded boxes, normalized to the detector input resolution.
func ProcessImage(img image.Image, detector Handle, opts DecodeOptions, timings *models.ProcessingTimings) ([]models.BoundingBox, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	input, err := prepareImage(img, DetectorWidth, DetectorHeight, timings)
	if err != nil {
		return nil, err
	}

	inferStart := time.Now()
	outputs, err := detector.Run(input)
	if err != nil {
		return nil, newStageError(StageEngine, err, "detector inference")
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	boxes, err := DecodeDetections(outputs, DetectorWidth, DetectorHeight, opts)
	if err != nil {
		return nil, err
	}
	timings.Postprocess = time.Since(postStart)

	return boxes, nil
}

// DecodeDetections interprets detector outputs: outputs[0] holds boxes as
// [1, N, 4] corner coordinates (x1, y1, x2, y2) in model input pixels and
// outputs[1] holds class scores as [1, N, C] with the face score at index 1.
// Candidates scoring above opts.Threshold are emitted in output order with
// coordinates divided by the model input size. Fewer than two outputs yields
// no boxes and no error.
func DecodeDetections(outputs []Tensor, modelWidth, modelHeight int, opts DecodeOptions) ([]models.BoundingBox, error) {
	boxes := make([]models.BoundingBox, 0)
	if len(outputs) < 2 {
		return boxes, nil
	}
	if modelWidth <= 0 || modelHeight <= 0 {
		return nil, newStageError(StageShape, nil, "invalid model size %dx%d", modelWidth, modelHeight)
	}

	n, classes, err := checkDetectionShapes(outputs[0], outputs[1])
	if err != nil {
		return nil, err
	}

	coords := outputs[0].Data
	scores := outputs[1].Data
	w := float32(modelWidth)
	h := float32(modelHeight)

	candidates := make([]candidate, 0, 16)
	for i := 0; i < n; i++ {
		score := scores[i*classes+FaceClass]
		if !(score > opts.Threshold) {
			continue
		}
		x1 := coords[i*4]
		y1 := coords[i*4+1]
		x2 := coords[i*4+2]
		y2 := coords[i*4+3]
		box := models.BoundingBox{
			X:      x1 / w,
			Y:      y1 / h,
			Width:  (x2 - x1) / w,
			Height: (y2 - y1) / h,
		}
		if !allFinite(box.X, box.Y, box.Width, box.Height) {
			return nil, newStageError(StageEngine, nil, "candidate %d has non-finite box %v", i, coords[i*4:i*4+4])
		}
		candidates = append(candidates, candidate{box: box, score: score})
	}

	if opts.IoUThreshold > 0 {
		candidates = nms(candidates, opts.IoUThreshold)
	}

	for _, c := range candidates {
		boxes = append(boxes, c.box)
	}
	return boxes, nil
}

func checkDetectionShapes(boxes, scores Tensor) (n, classes int, err error) {
	if len(boxes.Shape) != 3 || boxes.Shape[0] != 1 || boxes.Shape[2] != 4 {
		return 0, 0, newStageError(StageShape, nil, "boxes tensor shape %v, want [1 N 4]", boxes.Shape)
	}
	if len(scores.Shape) != 3 || scores.Shape[0] != 1 || scores.Shape[2] < 2 {
		return 0, 0, newStageError(StageShape, nil, "scores tensor shape %v, want [1 N C] with C >= 2", scores.Shape)
	}
	if boxes.Shape[1] != scores.Shape[1] {
		return 0, 0, newStageError(StageShape, nil, "boxes/scores candidate count mismatch: %d vs %d", boxes.Shape[1], scores.Shape[1])
	}
	if len(boxes.Data) != boxes.Len() || len(scores.Data) != scores.Len() {
		return 0, 0, newStageError(StageShape, fmt.Errorf("data lengths %d/%d", len(boxes.Data), len(scores.Data)), "tensor data does not match shape")
	}
	return int(boxes.Shape[1]), int(scores.Shape[2]), nil
}

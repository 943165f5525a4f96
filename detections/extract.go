package detections

import (
	"image"
	"math"

	"github.com/Tutortoise/face-recognition-service/models"

	"github.com/disintegration/imaging"
)

// toPixel truncates toward zero, mapping negatives and NaN to 0 and
// saturating at MaxInt32.
func toPixel(v float32) int {
	if !(v > 0) {
		return 0
	}
	if v >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

// CropRect converts a normalized box to a pixel rectangle clamped to an
// imgW x imgH image. The result may be empty when the box has no width or
// height inside the image.
func CropRect(box models.BoundingBox, imgW, imgH int) image.Rectangle {
	if imgW <= 0 || imgH <= 0 {
		return image.Rectangle{}
	}
	x := toPixel(box.X * float32(imgW))
	y := toPixel(box.Y * float32(imgH))
	w := toPixel(box.Width * float32(imgW))
	h := toPixel(box.Height * float32(imgH))

	x = min(x, imgW-1)
	y = min(y, imgH-1)
	w = min(w, imgW-x)
	h = min(h, imgH-y)

	return image.Rect(x, y, x+w, y+h)
}

// ExtractEmbedding crops img to the first box, runs the recognizer on the
// crop and returns its first output flattened. Only one face is embedded per
// call; the embedding is not normalized.
func ExtractEmbedding(img image.Image, boxes []models.BoundingBox, recognizer Handle) ([]float32, error) {
	if len(boxes) == 0 {
		return []float32{}, nil
	}

	bounds := img.Bounds()
	rect := CropRect(boxes[0], bounds.Dx(), bounds.Dy())
	if rect.Empty() {
		return nil, newStageError(StageShape, nil, "face region %v is empty for %dx%d image", boxes[0], bounds.Dx(), bounds.Dy())
	}

	face := imaging.Crop(img, rect.Add(bounds.Min))
	input, err := PrepareImage(face, RecognizerWidth, RecognizerHeight)
	if err != nil {
		return nil, err
	}

	outputs, err := recognizer.Run(input)
	if err != nil {
		return nil, newStageError(StageEngine, err, "recognizer inference")
	}
	if len(outputs) == 0 {
		return []float32{}, nil
	}

	if !allFinite(outputs[0].Data...) {
		return nil, newStageError(StageEngine, nil, "recognizer produced a non-finite embedding")
	}
	embedding := make([]float32, len(outputs[0].Data))
	copy(embedding, outputs[0].Data)
	return embedding, nil
}

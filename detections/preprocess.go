package detections

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/face-recognition-service/models"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var (
	errEmptyImage    = errors.New("image has zero width or height")
	errImageTooLarge = errors.New("image exceeds the pixel limit")
)

// DecodeImage decodes any registered image format, detected from content.
// The header is checked first so that images above maxPixels are rejected
// before any pixel memory is allocated; maxPixels <= 0 means
// DefaultMaxImagePixels.
func DecodeImage(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, newStageError(StageDecode, errEmptyImage, "empty image payload")
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxImagePixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, newStageError(StageDecode, err, "decode image header")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, newStageError(StageDecode, errEmptyImage, "decode image header")
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, newStageError(StageDecode, fmt.Errorf("%w: %dx%d > %d", errImageTooLarge, cfg.Width, cfg.Height, maxPixels), "decode image header")
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, newStageError(StageDecode, err, "decode image")
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, newStageError(StageDecode, errEmptyImage, "decode image")
	}
	return img, nil
}

// PrepareImage resizes img to width x height with a Lanczos filter and
// returns a [1, 3, height, width] tensor with samples scaled to [-1, 1].
func PrepareImage(img image.Image, width, height int) (Tensor, error) {
	return prepareImage(img, width, height, nil)
}

// prepareImage is PrepareImage with the resize and channel conversion timed
// separately. timings may be nil.
func prepareImage(img image.Image, width, height int, timings *models.ProcessingTimings) (Tensor, error) {
	if width <= 0 || height <= 0 {
		return Tensor{}, newStageError(StageShape, nil, "invalid target size %dx%d", width, height)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return Tensor{}, newStageError(StageShape, errEmptyImage, "prepare image")
	}

	resizeStart := time.Now()
	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	resizeTime := time.Since(resizeStart)

	prepStart := time.Now()
	cp := newChannelProcessor(width, height)
	cp.processChannels(resized)

	if timings != nil {
		timings.Resize = resizeTime
		timings.Preprocess = time.Since(prepStart)
	}

	return Tensor{
		Shape: []int64{1, Channels, int64(height), int64(width)},
		Data:  cp.buffer,
	}, nil
}

// Prepare decodes imageBytes and converts it into a model-ready tensor.
func Prepare(imageBytes []byte, width, height int) (Tensor, error) {
	img, err := DecodeImage(imageBytes, DefaultMaxImagePixels)
	if err != nil {
		return Tensor{}, err
	}
	return PrepareImage(img, width, height)
}

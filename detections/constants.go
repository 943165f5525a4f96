package detections

import "github.com/Tutortoise/face-recognition-service/models"

const (
	// Detector input resolution (Ultraface-style RFB/slim models).
	DetectorWidth  = 320
	DetectorHeight = 240

	// Recognizer input resolution (FaceNet-style models).
	RecognizerWidth  = 160
	RecognizerHeight = 160

	Channels = 3

	ConfThreshold = 0.5
	FaceClass     = 1

	// MinModelBytes rejects clearly truncated uploads before parsing.
	MinModelBytes = 100

	// DefaultMaxImagePixels bounds the decoded size of an input image
	// (about 40 MP, 160 MB as NRGBA).
	DefaultMaxImagePixels = 40_000_000
)

// InputSize returns the fixed (width, height) a model of the given kind is
// bound to.
func InputSize(kind models.ModelKind) (int, int) {
	if kind == models.Recognition {
		return RecognizerWidth, RecognizerHeight
	}
	return DetectorWidth, DetectorHeight
}

// InputShape returns the NCHW input shape for kind, batch fixed at 1.
func InputShape(kind models.ModelKind) []int64 {
	w, h := InputSize(kind)
	return []int64{1, Channels, int64(h), int64(w)}
}

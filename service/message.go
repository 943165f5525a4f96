package service

const (
	MsgModelLoaded = "✅ Face %s model loaded successfully"

	MsgModelFailed = "❌ %s"

	MsgNoModelBytes = "⚠️ No face %s model bytes available"

	// errLoadFailed is recorded as the Error status detail and echoed in the
	// setup report after MsgModelFailed's marker.
	errLoadFailed = "Failed to load face %s model: %v"
)

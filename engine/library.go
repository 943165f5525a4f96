package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sys/cpu"
)

// LibraryEnv overrides the ONNX Runtime shared library location.
const LibraryEnv = "ONNXRUNTIME_LIB"

var envMu sync.Mutex

// Environment owns the process-wide ONNX Runtime environment.
type Environment struct {
	LibraryPath string
}

// defaultLibraryName returns the runtime library file name for the host OS.
func defaultLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	}
	return "libonnxruntime.so"
}

// ResolveLibrary picks the shared library path: explicit path first, then
// $ONNXRUNTIME_LIB, then the platform default name inside dir. The file
// must exist.
func ResolveLibrary(path, dir string) (string, error) {
	if path == "" {
		path = os.Getenv(LibraryEnv)
	}
	if path == "" {
		path = filepath.Join(dir, defaultLibraryName())
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve onnx runtime library: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("onnx runtime library not found: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("onnx runtime library %s is a directory", abs)
	}
	return abs, nil
}

// NewEnvironment loads the shared library and initializes ONNX Runtime.
func NewEnvironment(path, dir string) (*Environment, error) {
	libPath, err := ResolveLibrary(path, dir)
	if err != nil {
		return nil, err
	}

	envMu.Lock()
	defer envMu.Unlock()

	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}

	logCPUFeatures(libPath)
	return &Environment{LibraryPath: libPath}, nil
}

// Close tears the runtime down. Sessions must be destroyed first.
func (e *Environment) Close() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func logCPUFeatures(libPath string) {
	fields := log.Fields{
		"component": "engine",
		"library":   libPath,
		"goarch":    runtime.GOARCH,
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		fields["avx2"] = cpu.X86.HasAVX2
		fields["avx512f"] = cpu.X86.HasAVX512F
		fields["sse41"] = cpu.X86.HasSSE41
	case "arm64":
		fields["asimd"] = cpu.ARM64.HasASIMD
		fields["fp16"] = cpu.ARM64.HasFPHP
	}
	log.WithFields(fields).Info("ONNX Runtime initialized")
}

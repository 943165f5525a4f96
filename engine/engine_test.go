package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Tutortoise/face-recognition-service/detections"
	"github.com/Tutortoise/face-recognition-service/models"

	ort "github.com/yalue/onnxruntime_go"
)

func TestBindInput(t *testing.T) {
	shape := detections.InputShape(models.Detection)
	tests := []struct {
		name    string
		info    ort.InputOutputInfo
		wantErr bool
	}{
		{"exact", ort.InputOutputInfo{Name: "input", OrtValueType: ort.ONNXTypeTensor, DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.NewShape(1, 3, 240, 320)}, false},
		{"dynamic batch", ort.InputOutputInfo{Name: "input", OrtValueType: ort.ONNXTypeTensor, DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.NewShape(-1, 3, 240, 320)}, false},
		{"all dynamic", ort.InputOutputInfo{Name: "input", OrtValueType: ort.ONNXTypeTensor, DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.NewShape(-1, -1, -1, -1)}, false},
		{"wrong size", ort.InputOutputInfo{Name: "input", OrtValueType: ort.ONNXTypeTensor, DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.NewShape(1, 3, 160, 160)}, true},
		{"wrong rank", ort.InputOutputInfo{Name: "input", OrtValueType: ort.ONNXTypeTensor, DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.NewShape(3, 240, 320)}, true},
		{"wrong type", ort.InputOutputInfo{Name: "input", OrtValueType: ort.ONNXTypeTensor, DataType: ort.TensorElementDataTypeUint8, Dimensions: ort.NewShape(1, 3, 240, 320)}, true},
		{"not a tensor", ort.InputOutputInfo{Name: "input", OrtValueType: ort.ONNXTypeSequence, DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.NewShape(1, 3, 240, 320)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bindInput(tt.info, shape)
			if (err != nil) != tt.wantErr {
				t.Errorf("bindInput err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRejectsSmallModels(t *testing.T) {
	l := NewLoader(Options{})
	for _, size := range []int{0, 50, 99} {
		_, err := l.Load(models.Detection, make([]byte, size))
		if !errors.Is(err, detections.ErrValidation) {
			t.Errorf("size %d: err = %v, want ErrValidation", size, err)
		}
	}
}

func TestLoadWithoutRuntime(t *testing.T) {
	if ort.IsInitialized() {
		t.Skip("onnx runtime already initialized")
	}
	_, err := NewLoader(Options{}).Load(models.Recognition, make([]byte, 512))
	var loadErr *ModelLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("err = %v, want ModelLoadError", err)
	}
	if loadErr.Stage != StageRuntime || loadErr.Kind != models.Recognition {
		t.Errorf("load error = %+v", loadErr)
	}
	if !strings.Contains(err.Error(), "recognition") {
		t.Errorf("message %q does not name the model", err.Error())
	}
}

func TestResolveLibrary(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "custom-ort.so")
	if err := os.WriteFile(lib, []byte("elf"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ResolveLibrary(lib, "")
	if err != nil || got != lib {
		t.Fatalf("explicit path: %q, %v", got, err)
	}

	t.Setenv(LibraryEnv, lib)
	got, err = ResolveLibrary("", "/nonexistent")
	if err != nil || got != lib {
		t.Fatalf("env path: %q, %v", got, err)
	}

	t.Setenv(LibraryEnv, "")
	if err := os.WriteFile(filepath.Join(dir, defaultLibraryName()), []byte("elf"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = ResolveLibrary("", dir)
	if err != nil || got != filepath.Join(dir, defaultLibraryName()) {
		t.Fatalf("default name: %q, %v", got, err)
	}

	if _, err := ResolveLibrary(filepath.Join(dir, "missing.so"), ""); err == nil {
		t.Error("expected error for missing library")
	}
	if _, err := ResolveLibrary(dir, ""); err == nil {
		t.Error("expected error for directory path")
	}
}

func TestClosedHandle(t *testing.T) {
	h := &sessionHandle{shape: detections.InputShape(models.Detection)}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.Run(detections.Tensor{}); err == nil {
		t.Error("expected error from closed handle")
	}
}

package engine

import (
	"errors"
	"fmt"

	"github.com/Tutortoise/face-recognition-service/detections"
	"github.com/Tutortoise/face-recognition-service/models"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// LoadStage names the step of model construction that failed.
type LoadStage string

const (
	StageRuntime  LoadStage = "runtime"
	StageParse    LoadStage = "parse"
	StageShape    LoadStage = "shape"
	StageOptimize LoadStage = "optimize"
)

var errNotInitialized = errors.New("onnx runtime environment is not initialized")

// ModelLoadError reports a model that passed size validation but could not
// be turned into an executable session.
type ModelLoadError struct {
	Kind  models.ModelKind
	Stage LoadStage
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("%s %s model: %v", e.Stage, e.Kind, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// Options tunes the sessions created by a Loader.
type Options struct {
	IntraOpThreads int
	InterOpThreads int
}

// Loader builds input-shape-bound sessions from in-memory ONNX graphs.
type Loader struct {
	opts Options
}

func NewLoader(opts Options) *Loader {
	return &Loader{opts: opts}
}

// Load validates data, parses the graph, binds its first input to the fixed
// shape for kind and builds an optimized session.
func (l *Loader) Load(kind models.ModelKind, data []byte) (detections.Handle, error) {
	if err := detections.ValidateModelBytes(data); err != nil {
		return nil, err
	}
	if !ort.IsInitialized() {
		return nil, &ModelLoadError{Kind: kind, Stage: StageRuntime, Err: errNotInitialized}
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return nil, &ModelLoadError{Kind: kind, Stage: StageParse, Err: err}
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, &ModelLoadError{Kind: kind, Stage: StageParse, Err: errors.New("graph declares no inputs or outputs")}
	}

	shape := detections.InputShape(kind)
	if err := bindInput(inputs[0], shape); err != nil {
		return nil, &ModelLoadError{Kind: kind, Stage: StageShape, Err: err}
	}

	outputNames := make([]string, len(outputs))
	for i, o := range outputs {
		outputNames[i] = o.Name
	}

	session, err := l.newSession(data, inputs[0].Name, outputNames)
	if err != nil {
		return nil, &ModelLoadError{Kind: kind, Stage: StageOptimize, Err: err}
	}

	log.WithFields(log.Fields{
		"component": "engine",
		"kind":      kind,
		"bytes":     len(data),
		"input":     inputs[0].Name,
		"outputs":   outputNames,
		"shape":     shape,
	}).Info("Model session created")

	return &sessionHandle{
		session: session,
		shape:   shape,
		outputs: len(outputNames),
	}, nil
}

func (l *Loader) newSession(data []byte, input string, outputs []string) (*ort.DynamicAdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if l.opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(l.opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	if l.opts.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(l.opts.InterOpThreads); err != nil {
			return nil, fmt.Errorf("set inter-op threads: %w", err)
		}
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization level: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data, []string{input}, outputs, options)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	return session, nil
}

// bindInput checks that a graph input can accept a float tensor of the fixed
// shape. Dynamic dimensions (<= 0) bind to the fixed value.
func bindInput(info ort.InputOutputInfo, shape []int64) error {
	if info.OrtValueType != ort.ONNXTypeTensor {
		return fmt.Errorf("input %q is %v, want a tensor", info.Name, info.OrtValueType)
	}
	if info.DataType != ort.TensorElementDataTypeFloat {
		return fmt.Errorf("input %q has element type %v, want float32", info.Name, info.DataType)
	}
	if len(info.Dimensions) != len(shape) {
		return fmt.Errorf("input %q has rank %d, want %d (%v)", info.Name, len(info.Dimensions), len(shape), shape)
	}
	for i, d := range info.Dimensions {
		if d > 0 && d != shape[i] {
			return fmt.Errorf("input %q dims %v incompatible with %v", info.Name, info.Dimensions, shape)
		}
	}
	return nil
}

//go:build !windows

package core

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/mat"
)

var (
	initOnce sync.Once
	initErr  error

	ErrOnnxRuntimeNotInitialized = errors.New("onnx runtime is not initialized")
)

// InitOnnxRuntime loads the onnxruntime shared library. Only the first call has any effect.
func InitOnnxRuntime(dylib string) error {
	initOnce.Do(func() {
		if dylib == "" {
			initErr = fmt.Errorf("onnx runtime library path is empty")
			return
		}
		ort.SetSharedLibraryPath(dylib)
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

// OnnxModel runs a graph taking one [n, features] float input. Its first output holds the
// predicted value or label for each row.
type OnnxModel struct {
	session     *ort.DynamicAdvancedSession
	inputType   ort.TensorElementDataType
	outputCount int
}

// onnxScoringModel is an OnnxModel whose second output holds [n, 2] class probabilities.
type onnxScoringModel struct {
	*OnnxModel
}

// LoadOnnxModel opens an onnx graph. It is ScoreCapable when the graph has a second tensor output.
func LoadOnnxModel(data []byte) (Model, Capability, error) {
	if !ort.IsInitialized() {
		return nil, ScoreIncapable, ErrOnnxRuntimeNotInitialized
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return nil, ScoreIncapable, fmt.Errorf("%w: %v", ErrUnsupportedArtifact, err)
	}
	if len(inputs) != 1 {
		return nil, ScoreIncapable, fmt.Errorf("%w: onnx model must have exactly one input, found %d", ErrUnsupportedArtifact, len(inputs))
	}
	if len(outputs) == 0 {
		return nil, ScoreIncapable, fmt.Errorf("%w: onnx model has no outputs", ErrUnsupportedArtifact)
	}

	inputType := inputs[0].DataType
	if inputType != ort.TensorElementDataTypeFloat && inputType != ort.TensorElementDataTypeDouble {
		return nil, ScoreIncapable, fmt.Errorf("%w: onnx input must be float or double, found %s", ErrUnsupportedArtifact, inputType)
	}

	outputNames := []string{outputs[0].Name}
	scoring := len(outputs) > 1 && outputs[1].OrtValueType == ort.ONNXTypeTensor
	if scoring {
		outputNames = append(outputNames, outputs[1].Name)
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data, []string{inputs[0].Name}, outputNames, nil)
	if err != nil {
		return nil, ScoreIncapable, fmt.Errorf("failed to create in-memory session: %w", err)
	}

	model := &OnnxModel{session: session, inputType: inputType, outputCount: len(outputNames)}
	if scoring {
		return &onnxScoringModel{model}, ScoreCapable, nil
	}
	return model, ScoreIncapable, nil
}

func (m *OnnxModel) run(X *mat.Dense) ([][]float64, error) {
	n, p := X.Dims()
	shape := ort.NewShape(int64(n), int64(p))

	var input ort.Value
	var err error
	if m.inputType == ort.TensorElementDataTypeDouble {
		input, err = ort.NewTensor(shape, append([]float64(nil), X.RawMatrix().Data...))
	} else {
		values := make([]float32, 0, n*p)
		for _, v := range X.RawMatrix().Data {
			values = append(values, float32(v))
		}
		input, err = ort.NewTensor(shape, values)
	}
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	outputs := make([]ort.Value, m.outputCount)
	if err := m.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("session run error: %w", err)
	}

	results := make([][]float64, len(outputs))
	for i, out := range outputs {
		if out == nil {
			continue
		}
		results[i], err = tensorValues(out)
		out.Destroy()
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func convert[T float32 | float64 | int64 | int32](data []T) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}

func tensorValues(v ort.Value) ([]float64, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return convert(t.GetData()), nil
	case *ort.Tensor[float64]:
		return convert(t.GetData()), nil
	case *ort.Tensor[int64]:
		return convert(t.GetData()), nil
	case *ort.Tensor[int32]:
		return convert(t.GetData()), nil
	default:
		return nil, fmt.Errorf("unsupported onnx output type %T", v)
	}
}

func (m *OnnxModel) Predict(X *mat.Dense) ([]float64, error) {
	n, _ := X.Dims()
	results, err := m.run(X)
	if err != nil {
		return nil, err
	}
	if len(results[0]) != n {
		return nil, fmt.Errorf("onnx model returned %d predictions for %d rows", len(results[0]), n)
	}
	return results[0], nil
}

func (m *OnnxModel) Release() {
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
}

// Classes is unknown for onnx graphs. Column 1 of the probabilities is the positive class.
func (m *onnxScoringModel) Classes() []float64 {
	return nil
}

func (m *onnxScoringModel) PredictProba(X *mat.Dense) (*mat.Dense, error) {
	n, _ := X.Dims()
	results, err := m.run(X)
	if err != nil {
		return nil, err
	}
	proba := results[1]
	if len(proba) != 2*n {
		return nil, fmt.Errorf("onnx model returned %d probabilities for %d rows, expected 2 per row", len(proba), n)
	}
	return mat.NewDense(n, 2, proba), nil
}

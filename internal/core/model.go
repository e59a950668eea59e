package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"model-benchmark/internal/core/estimators"
	"model-benchmark/internal/core/types"

	"gonum.org/v1/gonum/mat"
)

var ErrUnsupportedArtifact = errors.New("unsupported model artifact")

const artifactFormat = "model-benchmark/v1"

// Model is anything that can label a feature matrix. Models that can also score classes
// implement estimators.Prober.
type Model interface {
	Predict(X *mat.Dense) ([]float64, error)
}

// ReleaseModel frees resources held outside the go heap, such as onnx sessions.
func ReleaseModel(m Model) {
	if r, ok := m.(interface{ Release() }); ok {
		r.Release()
	}
}

type artifact struct {
	Format   string          `json:"format"`
	Kind     string          `json:"kind"`
	Name     string          `json:"name"`
	TaskType types.TaskType  `json:"task_type"`
	Model    json.RawMessage `json:"model"`
}

func EncodeArtifact(name string, taskType types.TaskType, est estimators.Estimator) ([]byte, error) {
	model, err := json.Marshal(est)
	if err != nil {
		return nil, fmt.Errorf("error encoding model %s: %w", name, err)
	}
	return json.Marshal(artifact{
		Format:   artifactFormat,
		Kind:     est.Kind(),
		Name:     name,
		TaskType: taskType,
		Model:    model,
	})
}

// SaveArtifact writes a fitted estimator to path. The file must not already exist.
func SaveArtifact(path, name string, taskType types.TaskType, est estimators.Estimator) error {
	data, err := EncodeArtifact(name, taskType, est)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating model dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("error creating model file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("error writing model file: %w", err)
	}
	return file.Close()
}

// DecodeArtifact loads an estimator from a json artifact, checking it was built for taskType.
func DecodeArtifact(data []byte, taskType types.TaskType) (estimators.Estimator, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedArtifact, err)
	}
	if a.Format != artifactFormat {
		return nil, fmt.Errorf("%w: unknown format %q", ErrUnsupportedArtifact, a.Format)
	}
	if a.TaskType != taskType {
		return nil, fmt.Errorf("%w: model was trained for %s, request is %s", ErrUnsupportedArtifact, a.TaskType, taskType)
	}

	est, err := estimators.Empty(a.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedArtifact, err)
	}
	if err := json.Unmarshal(a.Model, est); err != nil {
		return nil, fmt.Errorf("%w: invalid %s model: %v", ErrUnsupportedArtifact, a.Kind, err)
	}
	return est, nil
}

// LoadModel reads a user submitted artifact, detecting json or onnx from its content. The
// returned capability is fixed by the artifact's format and kind.
func LoadModel(path string, taskType types.TaskType) (Model, Capability, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ScoreIncapable, fmt.Errorf("error reading model: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
		return nil, ScoreIncapable, fmt.Errorf("%w: file is empty", ErrUnsupportedArtifact)
	case trimmed[0] == '{':
		est, err := DecodeArtifact(trimmed, taskType)
		if err != nil {
			return nil, ScoreIncapable, err
		}
		if estimators.ProducesScores(est.Kind()) {
			return est, ScoreCapable, nil
		}
		return est, ScoreIncapable, nil
	case isOnnx(data):
		return LoadOnnxModel(data)
	default:
		return nil, ScoreIncapable, fmt.Errorf("%w: unrecognized file contents", ErrUnsupportedArtifact)
	}
}

// isOnnx checks for the protobuf tag of ModelProto.ir_version, which onnx exporters write first.
func isOnnx(data []byte) bool {
	return len(data) > 1 && data[0] == 0x08
}

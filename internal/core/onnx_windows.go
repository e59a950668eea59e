//go:build windows

package core

import (
	"errors"
)

var ErrOnnxNotSupportedOnWindows = errors.New("ONNX models are not supported on Windows")

func InitOnnxRuntime(dylib string) error {
	return ErrOnnxNotSupportedOnWindows
}

func LoadOnnxModel(data []byte) (Model, Capability, error) {
	return nil, ScoreIncapable, ErrOnnxNotSupportedOnWindows
}

package utils_test

import (
	"context"
	"fmt"
	"model-benchmark/internal/core/utils"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunInpool(t *testing.T) {
	worker := func(_ context.Context, i int) (string, error) {
		if i%4 == 3 {
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			return "", fmt.Errorf("error")
		}
		return fmt.Sprintf("%d-%d", i, i), nil
	}

	queue := make(chan int, 10)

	for i := 0; i < 10; i++ {
		queue <- i
	}

	close(queue)

	output := make(chan utils.CompletedTask[int, string], 10)

	utils.RunInPool(context.Background(), worker, queue, output, 5)

	success, errors := 0, 0
	for result := range output {
		if result.Error != nil {
			errors++
			assert.Equal(t, 3, result.Input%4)
		} else {
			success++
			assert.Equal(t, fmt.Sprintf("%d-%d", result.Input, result.Input), result.Result)
		}
	}

	if success != 8 || errors != 2 {
		t.Fatal("invalid results")
	}
}

func TestRunInPoolRecoversPanics(t *testing.T) {
	worker := func(_ context.Context, i int) (int, error) {
		if i == 2 {
			panic("boom")
		}
		return i * 2, nil
	}

	queue := make(chan int, 4)
	for i := 0; i < 4; i++ {
		queue <- i
	}
	close(queue)

	output := make(chan utils.CompletedTask[int, int], 4)
	utils.RunInPool(context.Background(), worker, queue, output, 2)

	panics := 0
	for result := range output {
		if result.Error != nil {
			assert.ErrorIs(t, result.Error, utils.ErrWorkerPanic)
			assert.Equal(t, 2, result.Input)
			panics++
		}
	}
	assert.Equal(t, 1, panics)
}

func TestRunInPoolCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	worker := func(_ context.Context, i int) (int, error) {
		called = true
		return i, nil
	}

	queue := make(chan int, 3)
	for i := 0; i < 3; i++ {
		queue <- i
	}
	close(queue)

	output := make(chan utils.CompletedTask[int, int], 3)
	utils.RunInPool(ctx, worker, queue, output, 1)

	count := 0
	for result := range output {
		assert.ErrorIs(t, result.Error, context.Canceled)
		count++
	}
	assert.Equal(t, 3, count)
	assert.False(t, called)
}

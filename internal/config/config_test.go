package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"model-benchmark/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT", "90s")
	t.Setenv("CONCURRENCY", "2")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, "@every 1m", cfg.ScanSchedule)
	assert.Equal(t, "model-benchmark-requests", cfg.RequestBucket)
}

func TestLoadConfigRejectsBadConcurrency(t *testing.T) {
	t.Setenv("CONCURRENCY", "0")

	_, err := config.LoadConfig()
	assert.Error(t, err)
}

func TestLoadRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
classification:
  - name: LogisticRegression
    params:
      c: 0.5
  - name: ShallowNN_Classification
    params:
      epochs: 20
regression:
  - name: LinearRegression
`), 0644))

	roster, err := config.LoadRoster(path)
	require.NoError(t, err)
	require.Len(t, roster.Classification, 2)
	assert.Equal(t, "ShallowNN_Classification", roster.Classification[1].Name)
	assert.Equal(t, 0.5, roster.Classification[0].Params["c"])
	require.Len(t, roster.Regression, 1)
	assert.Nil(t, roster.Regression[0].Params)
}

func TestParseRosterRejectsDuplicates(t *testing.T) {
	_, err := config.ParseRoster([]byte(`
regression:
  - name: LinearRegression
  - name: LinearRegression
`))
	assert.Error(t, err)

	_, err = config.ParseRoster([]byte(`classification: [{params: {c: 1}}]`))
	assert.Error(t, err)
}

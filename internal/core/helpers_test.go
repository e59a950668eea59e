package core

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"model-benchmark/internal/database"
	"model-benchmark/internal/notify"
	"model-benchmark/internal/storage"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testBucket = "test-requests"

// classificationCsv draws two gaussian blobs, one per label, with 4 features.
func classificationCsv(rows int, seed int64, negative, positive float64) (string, []float64) {
	rng := rand.New(rand.NewSource(seed))
	var sb strings.Builder
	sb.WriteString("f0,f1,f2,f3,label\n")
	labels := make([]float64, rows)
	for i := 0; i < rows; i++ {
		label, shift := negative, -2.5
		if i%2 == 1 {
			label, shift = positive, 2.5
		}
		labels[i] = label
		for j := 0; j < 4; j++ {
			fmt.Fprintf(&sb, "%.6f,", rng.NormFloat64()+shift)
		}
		fmt.Fprintf(&sb, "%g\n", label)
	}
	return sb.String(), labels
}

func regressionCsv(rows int, seed int64, features int) string {
	rng := rand.New(rand.NewSource(seed))
	var sb strings.Builder
	for i := 0; i < rows; i++ {
		target := 1.0
		for j := 0; j < features; j++ {
			x := rng.NormFloat64()
			target += float64(j+1) * x
			fmt.Fprintf(&sb, "%.6f,", x)
		}
		fmt.Fprintf(&sb, "%.6f\n", target)
	}
	return sb.String()
}

func newTestStore(t *testing.T) storage.ObjectStore {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), testBucket))
	return store
}

func putObject(t *testing.T, store storage.ObjectStore, key, data string) {
	require.NoError(t, store.PutObject(context.Background(), testBucket, key, strings.NewReader(data)))
}

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

// fixedModel ignores its input and returns the same predictions every time.
type fixedModel struct {
	predictions []float64
}

func (m fixedModel) Predict(X *mat.Dense) ([]float64, error) {
	return m.predictions, nil
}

// constantScoreModel gives every row the same positive class probability.
type constantScoreModel struct {
	classes []float64
	score   float64
}

func (m constantScoreModel) Classes() []float64 {
	return m.classes
}

func (m constantScoreModel) PredictProba(X *mat.Dense) (*mat.Dense, error) {
	n, _ := X.Dims()
	proba := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		proba.Set(i, 0, 1-m.score)
		proba.Set(i, 1, m.score)
	}
	return proba, nil
}

func (m constantScoreModel) Predict(X *mat.Dense) ([]float64, error) {
	return nil, fmt.Errorf("scores should be used instead of predict")
}

type recordingTask struct {
	queue    string
	payload  []byte
	acked    bool
	nacked   bool
	rejected bool
}

func (t *recordingTask) Type() string    { return t.queue }
func (t *recordingTask) Payload() []byte { return t.payload }
func (t *recordingTask) Ack() error      { t.acked = true; return nil }
func (t *recordingTask) Nack() error     { t.nacked = true; return nil }
func (t *recordingTask) Reject() error   { t.rejected = true; return nil }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func readerFor(data string) *strings.Reader {
	return strings.NewReader(data)
}

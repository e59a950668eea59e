package migration_1

import (
	"testing"
	"time"

	"model-benchmark/internal/database/versions/migration_0"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type requestErrorRow struct {
	ErrorId uuid.UUID
	UserId  string
	Stage   string
}

func (requestErrorRow) TableName() string {
	return "request_errors"
}

func TestMigration1(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, migration_0.Migration(db))

	old := migration_0.RequestError{
		ErrorId:   uuid.New(),
		UserId:    "abc",
		Model:     "AdaBoost",
		Error:     "fit failed",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&old).Error)

	require.NoError(t, Migration(db))
	assert.True(t, db.Migrator().HasColumn(&RequestError{}, "stage"))

	var row requestErrorRow
	require.NoError(t, db.First(&row, "error_id = ?", old.ErrorId).Error)
	assert.Equal(t, "", row.Stage)
	assert.Equal(t, "abc", row.UserId)

	require.NoError(t, Rollback(db))
	assert.False(t, db.Migrator().HasColumn(&RequestError{}, "stage"))
}

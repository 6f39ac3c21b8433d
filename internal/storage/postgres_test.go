package storage

import (
	"bytes"
	"testing"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestDatabase_LogsThroughZerolog(t *testing.T) {
	var buf bytes.Buffer

	db, err := NewDatabase(sqlite.Open("file::memory:"), zerolog.New(&buf))
	require.NoError(t, err)
	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })
	buf.Reset()

	var op models.Operator
	err = db.DB.Where("email = ?", "nobody@example.com").First(&op).Error
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	require.Error(t, db.DB.Exec("SELECT * FROM missing_table").Error)
	assert.Contains(t, buf.String(), "missing_table")
	assert.Contains(t, buf.String(), `"component":"gorm"`)
}

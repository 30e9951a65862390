package repository

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/pkg/pg"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testDB struct {
	*pg.DB
	rawDB *gorm.DB
}

// setupTestDB backs a pg.DB with one in-memory sqlite handle for both the
// read and write sides. The fields are unexported, so they are set through
// reflection rather than widening pg's API for tests.
func setupTestDB(t *testing.T) *testDB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&MessageEntity{}, &model.SyncConflict{}, &model.SyncState{}, &model.TenantSettings{})
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return &testDB{
		DB:    pgDB,
		rawDB: db,
	}
}

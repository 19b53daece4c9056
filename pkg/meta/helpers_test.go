package meta

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestRepo builds an isolated in-memory database per test.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	metaDB := NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(Models()...))

	return NewRepository(metaDB)
}

func mustCreateFeed(t *testing.T, repo *Repository, id string, name *string, msgAndArgs ...any) {
	t.Helper()
	err := repo.CreateFeed(context.Background(), &Feed{ID: id, Name: name, NodeID: "node-1"})
	require.NoError(t, err, msgAndArgs...)
}

func mustAppend(t *testing.T, repo *Repository, feedID, subfeed string, bodies ...string) int64 {
	t.Helper()
	var js []datatypes.JSON
	for _, b := range bodies {
		js = append(js, datatypes.JSON(b))
	}
	n, err := repo.AppendMessages(context.Background(), feedID, subfeed, js, func(m *Message) string {
		return fmt.Sprintf("sig-%d", m.Position)
	})
	require.NoError(t, err)
	return n
}

func strPtr(s string) *string { return &s }

package infrastructure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storelogic/internal/pkg/bootstrap"
	"storelogic/internal/service/logic/domain"
)

func TestMySQLDSN(t *testing.T) {
	dsn := MySQLDSN(bootstrap.DatabaseConfig{
		Host:     "db.internal",
		Port:     3307,
		User:     "logic",
		Password: "secret",
		Name:     "storefront",
	})
	assert.Contains(t, dsn, "logic:secret@tcp(db.internal:3307)/storefront")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")

	assert.Equal(t, "x:y@/z", MySQLDSN(bootstrap.DatabaseConfig{DSN: "x:y@/z", Host: "ignored"}))
}

func TestOpenRepository_SQLite(t *testing.T) {
	repo, closeFn, err := OpenRepository(context.Background(), bootstrap.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	defer closeFn()

	s := createScript(t, repo, "t1", domain.TriggerStorefrontLoad, "true")
	assert.Equal(t, 1, s.SequenceOrder)
}

func TestOpenRepository_UnknownDriver(t *testing.T) {
	_, _, err := OpenRepository(context.Background(), bootstrap.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

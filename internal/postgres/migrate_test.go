package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/orders?sslmode=disable", migrateURL("postgres://u:p@db:5432/orders?sslmode=disable"))
	assert.Equal(t, "pgx5://db/orders", migrateURL("postgresql://db/orders"))
	assert.Equal(t, "pgx5://db/orders", migrateURL("pgx5://db/orders"))
}

package database

import (
	"testing"

	"github.com/chalklabs/chalk/pkg/database"
	"github.com/chalklabs/chalk/test/util"
)

// NewTestClient creates a database client backed by an isolated, fully
// migrated test schema.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a shared testcontainer.
// Schema cleanup is registered on the test automatically.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	db, dsn := util.SetupTestDatabase(t)
	return database.NewClientFromDB(db, dsn)
}

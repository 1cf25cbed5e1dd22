//go:build integration

package authflow

import (
	"testing"

	"github.com/tapipay/tapicore/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	storeContract(t, NewPostgresStore(db))
}

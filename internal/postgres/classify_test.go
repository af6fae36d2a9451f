package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/loon-data/loon/platform/internal/domain"
)

func TestStoreErrNil(t *testing.T) {
	assert.NoError(t, storeErr(nil))
}

func TestStoreErrConnectionClassIsStoreUnavailable(t *testing.T) {
	for _, code := range []string{"08006", "53300", "57P01"} {
		err := storeErr(fmt.Errorf("query: %w", &pgconn.PgError{Code: code}))
		assert.Equal(t, domain.ErrorStoreUnavailable, domain.KindOf(err), "code %s", code)
	}
}

func TestStoreErrConstraintClassIsIntegrity(t *testing.T) {
	err := storeErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}))
	assert.Equal(t, domain.ErrorIntegrity, domain.KindOf(err))
}

func TestStoreErrOtherSQLStatePassesThrough(t *testing.T) {
	orig := &pgconn.PgError{Code: "42P01"} // undefined table
	err := storeErr(fmt.Errorf("query: %w", orig))
	assert.Equal(t, domain.ErrorInternal, domain.KindOf(err))
	assert.True(t, errors.Is(err, orig) || errors.As(err, new(*pgconn.PgError)))
}

func TestStoreErrDeadlineIsStoreUnavailable(t *testing.T) {
	err := storeErr(fmt.Errorf("ping: %w", context.DeadlineExceeded))
	assert.Equal(t, domain.ErrorStoreUnavailable, domain.KindOf(err))
}

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "connection refused" }
func (fakeNetErr) Timeout() bool   { return false }
func (fakeNetErr) Temporary() bool { return true }

func TestStoreErrNetErrorIsStoreUnavailable(t *testing.T) {
	err := storeErr(fmt.Errorf("dial: %w", fakeNetErr{}))
	assert.Equal(t, domain.ErrorStoreUnavailable, domain.KindOf(err))
}

package postgres

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loon-data/loon/platform/internal/domain"
)

// storeErr maps a driver error onto the platform error taxonomy so the retry
// policy and ingest breaker can tell an outage from bad data.
//
// SQLSTATE classes: 08 connection exception, 53 insufficient resources,
// 57 operator intervention → store_unavailable. 23 integrity constraint
// violation → integrity. Everything else stays unclassified (internal).
func storeErr(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return domain.Classify(domain.ErrorStoreUnavailable, err)
		case "23":
			return domain.Classify(domain.ErrorIntegrity, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.Classify(domain.ErrorStoreUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Classify(domain.ErrorStoreUnavailable, err)
	}
	return err
}

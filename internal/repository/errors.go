package repository

import (
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	internalerrors "github.com/Schera-ole/logmetrics/internal/errors"
)

// classify tags a driver error with the sentinel callers branch on.
// Connection-level failures become ErrStorageUnavailable or
// ErrDatabaseConnection, everything else gets fallback.
func classify(err error, fallback error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, internalerrors.ErrPoolExhausted) ||
		errors.Is(err, internalerrors.ErrPoolClosed) ||
		errors.Is(err, internalerrors.ErrStorageUnavailable) ||
		errors.Is(err, internalerrors.ErrDatabaseConnection) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code) ||
			pgerrcode.IsOperatorIntervention(pgErr.Code) {
			return fmt.Errorf("%w: %w", internalerrors.ErrStorageUnavailable, err)
		}
		return fmt.Errorf("%w: %w", fallback, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", internalerrors.ErrDatabaseConnection, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", internalerrors.ErrStorageUnavailable, err)
	}

	return fmt.Errorf("%w: %w", fallback, err)
}

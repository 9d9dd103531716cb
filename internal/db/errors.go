package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kjannette/bitcoin-trend/internal/models"
)

// Classify wraps err with the store error kind it belongs to, keeping the cause
// reachable through errors.Is / errors.As. A nil err stays nil.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrStoreUnavailable) || errors.Is(err, models.ErrStoreQueryFailed) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, kindOf(err), err)
}

func kindOf(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "57P03", // cannot_connect_now
			pgErr.Code == "53300": // too_many_connections
			return models.ErrStoreUnavailable
		}
		return models.ErrStoreQueryFailed
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr),
		errors.As(err, &netErr),
		pgconn.Timeout(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return models.ErrStoreUnavailable
	}
	return models.ErrStoreQueryFailed
}

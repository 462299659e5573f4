package pg

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrEmptyConnectionString = errors.New("postgres connection string is empty")
	ErrFailedToParseConfig   = errors.New("failed to parse postgres connection string")
	ErrFailedToConnect       = errors.New("failed to connect to postgres")
	ErrHealthcheckFailed     = errors.New("postgres healthcheck failed")
	ErrMigrationFailed       = errors.New("postgres migration failed")
	ErrMigrationsNil         = errors.New("migrations filesystem cannot be nil")
)

// SQLSTATE codes used by IsUniqueViolation and IsSerializationFailure.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
)

// IsNoRows reports whether a query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation reports whether err is a primary key or unique index conflict.
func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

// IsSerializationFailure reports whether a transaction should be retried.
func IsSerializationFailure(err error) bool {
	return hasCode(err, codeSerializationFailure)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

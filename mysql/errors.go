package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("courier mysql: db is required")
	// ErrExecutorRequired is returned when Append is called with a nil executor.
	ErrExecutorRequired = errors.New("courier mysql: executor is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("courier mysql: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("courier mysql: invalid table name")
	// ErrCleanupLimitInvalid is returned when the cleanup limit is negative.
	ErrCleanupLimitInvalid = errors.New("courier mysql: cleanup limit must be non-negative")
	// ErrCleanupRetentionInvalid is returned when no retention target is configured.
	ErrCleanupRetentionInvalid = errors.New("courier mysql: at least one retention must be positive")
)

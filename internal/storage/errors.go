package storage

import "codeberg.org/mutker/spacenose/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("storage_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("storage_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("storage_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("storage_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("storage_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed
	ErrClosed        = errors.ErrClosed

	// Query Errors
	ErrNotFound     = errors.ErrNotFound
	ErrInvalidQuery = errors.ErrInvalidArgument
)

func init() {
	errors.RegisterMessages(map[errors.ErrorCode]string{
		ErrInvalidDBPath:          "Database path is empty",
		ErrSchemaInitFailed:       "Failed to initialize database schema",
		ErrSchemaValidationFailed: "Failed to validate database schema",
		ErrSchemaMigrationFailed:  "Failed to migrate database schema",
		ErrTransactionFailed:      "Database transaction failed",
		ErrStorageAccess:          "Failed to access reading storage",
	})
}

// Package errors provides structured error handling for kbserve.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO and resource errors (files, knowledge bases, blobs)
//   - 3XX: Network errors (embedding, index backend, reranker)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file, blob and catalog resource errors.
	CategoryIO Category = "IO"
	// CategoryNetwork indicates remote-service errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO / resource errors (200-299)
	ErrCodeFileNotFound = "ERR_201_FILE_NOT_FOUND"
	ErrCodeKBNotFound   = "ERR_202_KB_NOT_FOUND"
	ErrCodeFileExists   = "ERR_203_FILE_EXISTS"
	ErrCodeKBExists     = "ERR_204_KB_EXISTS"
	ErrCodeBlobWrite    = "ERR_205_BLOB_WRITE"

	// Network errors (300-399) - remote collaborators, retryable
	ErrCodeEmbeddingRemote = "ERR_301_EMBEDDING_REMOTE"
	ErrCodeIndexRemote     = "ERR_302_INDEX_REMOTE"
	ErrCodeRerankRemote    = "ERR_303_RERANK_REMOTE"

	// Validation errors (400-499)
	ErrCodeInvalidKBName = "ERR_401_INVALID_KB_NAME"
	ErrCodeInvalidInput  = "ERR_402_INVALID_INPUT"

	// Internal errors (500-599)
	ErrCodeInternal       = "ERR_501_INTERNAL"
	ErrCodeLoaderFailed   = "ERR_502_LOADER_FAILED"
	ErrCodeSplitterFailed = "ERR_503_SPLITTER_FAILED"
	ErrCodeCatalogFailed  = "ERR_504_CATALOG_FAILED"
	ErrCodeIndexIntegrity = "ERR_505_INDEX_INTEGRITY"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Numeric portion, e.g. "202" from "ERR_202_KB_NOT_FOUND".
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	if code == ErrCodeIndexIntegrity {
		return SeverityFatal
	}
	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// All remote-collaborator failures are transient by taxonomy.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeEmbeddingRemote, ErrCodeIndexRemote, ErrCodeRerankRemote:
		return true
	}
	return false
}

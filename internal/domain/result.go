package domain

import (
	"errors"
	"time"
)

// ImportStatus is the terminal state of one import attempt.
type ImportStatus string

const (
	ImportSuccess ImportStatus = "success"
	ImportSkipped ImportStatus = "skipped"
	ImportFailed  ImportStatus = "failed"
)

// ErrorKind classifies a failed import for callers and run history. The
// kinds mirror the failure surfaces of the pipeline: configuration, fetch,
// decode, and schema.
type ErrorKind string

const (
	ErrConfiguration ErrorKind = "configuration"
	ErrTransport     ErrorKind = "transport"
	ErrTLS           ErrorKind = "tls"
	ErrProxy         ErrorKind = "proxy"
	ErrTimeout       ErrorKind = "timeout"
	ErrHTTPStatus    ErrorKind = "http_status"
	ErrCommand       ErrorKind = "command"
	ErrEmptyOutput   ErrorKind = "empty_output"
	ErrScript        ErrorKind = "script"
	ErrFormat        ErrorKind = "format"
	ErrPath          ErrorKind = "path"
	ErrSchema        ErrorKind = "schema"
	ErrStorage       ErrorKind = "storage"
	ErrValidation    ErrorKind = "validation"
)

// ImportResult is the outcome of one import attempt. Exactly one of the
// three statuses applies: success carries the row count, skipped carries
// the reason, failed carries a classified error. Logs accumulate across
// all statuses and are returned to manual-refresh callers verbatim.
type ImportResult struct {
	Status     ImportStatus `json:"status"`
	Rows       int          `json:"rows,omitempty"`
	SkipReason string       `json:"skip_reason,omitempty"`
	Kind       ErrorKind    `json:"error_kind,omitempty"`
	Err        error        `json:"-"`
	Message    string       `json:"error,omitempty"`
	Logs       []string     `json:"logs,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Succeeded returns a success result with the imported row count.
func Succeeded(rows int) ImportResult {
	return ImportResult{Status: ImportSuccess, Rows: rows}
}

// Skipped returns a skipped result with the given reason.
func Skipped(reason string) ImportResult {
	return ImportResult{Status: ImportSkipped, SkipReason: reason}
}

// Failed returns a failed result classified from err. The kind is derived
// from the error's concrete type when possible; pass an explicit kind to
// override.
func Failed(kind ErrorKind, err error) ImportResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ImportResult{Status: ImportFailed, Kind: kind, Err: err, Message: msg}
}

// ClassifyError maps a pipeline error to its ErrorKind. Unrecognized errors
// classify as transport when fetch-phase and format otherwise; callers that
// know the phase pass a fallback.
func ClassifyError(err error, fallback ErrorKind) ErrorKind {
	var cfgErr *ConfigError
	var pathErr *PathError
	var cmdErr *CommandError
	var emptyErr *EmptyOutputError
	var statusErr *HTTPStatusError
	var valErr *ValidationError
	switch {
	case errors.As(err, &cfgErr):
		return ErrConfiguration
	case errors.As(err, &pathErr):
		return ErrPath
	case errors.As(err, &cmdErr):
		return ErrCommand
	case errors.As(err, &emptyErr):
		return ErrEmptyOutput
	case errors.As(err, &statusErr):
		return ErrHTTPStatus
	case errors.As(err, &valErr):
		return ErrValidation
	default:
		return fallback
	}
}

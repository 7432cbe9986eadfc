package eventlog

import "errors"

var (
	ErrReadOnly    = errors.New("event log is read-only until repaired")
	ErrWriteFailed = errors.New("event log write failed")
	ErrClosed      = errors.New("event log closed")
	ErrNotFound    = errors.New("not found")
	ErrEmptyAppend = errors.New("no events to append")
)

package analysis

import "errors"

var (
	ErrInvalidRequest    = errors.New("invalid analysis request")
	ErrTimeout           = errors.New("analysis timed out")
	ErrProtocolViolation = errors.New("analysis protocol violation")
	ErrWorkerFailed      = errors.New("analysis worker failed")
	ErrQueueFull         = errors.New("analysis queue is full")
	ErrStopped           = errors.New("analysis dispatcher stopped")
)

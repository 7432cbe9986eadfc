package worker

import (
	"crypto/sha256"
	"encoding/hex"
)

// MessageMeta describes a frame body for diagnostics without its content.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body []byte) MessageMeta {
	if len(body) == 0 {
		return MessageMeta{}
	}
	sum := sha256.Sum256(body)
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an analyze frame without a request.
type ErrEmptyBody struct {
	RequestID string
}

func (e ErrEmptyBody) Error() string { return "empty request body" }

// ErrDecode indicates a request that does not decode strictly.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode request"
	}
	return "decode request: " + e.Err.Error()
}

// ErrInvalid indicates a decoded request that fails validation.
type ErrInvalid struct {
	RequestID string
	Err       error
}

func (e ErrInvalid) Error() string { return "invalid request: " + e.Err.Error() }

// ErrProcess indicates the engine failed after successful parsing.
type ErrProcess struct {
	RequestID string
	Err       error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process request"
	}
	return "process request: " + e.Err.Error()
}

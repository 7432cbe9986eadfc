// Package worker is the code that runs inside the isolation boundary. It
// reads signed frames, scores essays with an Engine and answers on the same
// channel. It keeps nothing between requests.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"marking-backend/internal/analysis"
	"marking-backend/internal/shared/telemetry"
)

// Engine scores one request.
type Engine interface {
	Analyze(ctx context.Context, req analysis.Request) ([]analysis.Suggestion, error)
}

// Error codes sent in error frames.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeDeadline   = "DEADLINE_EXCEEDED"
	CodeEngine     = "ENGINE_FAILED"
)

// Serve answers frames on r/w until a shutdown frame, end of input or ctx
// cancellation. A frame that fails authentication ends the loop with an error.
func Serve(ctx context.Context, r io.Reader, w io.Writer, key []byte, engine Engine) error {
	reader := analysis.NewFrameReader(r, key, 0)
	writer := analysis.NewFrameWriter(w, key)

	frames := make(chan frameOrErr)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			f, err := reader.Read()
			select {
			case frames <- frameOrErr{f, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var next frameOrErr
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next = <-frames:
		}
		if next.err != nil {
			if errors.Is(next.err, io.EOF) {
				return nil
			}
			telemetry.Error("worker.frame_rejected", map[string]any{"error": next.err.Error()})
			return next.err
		}

		frame := next.frame
		switch frame.Type {
		case analysis.FramePing:
			if err := writer.Write(analysis.FramePong, frame.ID, nil); err != nil {
				return err
			}
		case analysis.FrameShutdown:
			telemetry.Debug("worker.shutdown", nil)
			return nil
		case analysis.FrameAnalyze:
			if err := handle(ctx, writer, frame, engine); err != nil {
				return err
			}
		default:
			if err := writer.Write(analysis.FrameError, frame.ID, analysis.ErrorBody{
				Code:    CodeBadRequest,
				Message: fmt.Sprintf("unsupported frame %s", frame.Type),
			}); err != nil {
				return err
			}
		}
	}
}

type frameOrErr struct {
	frame analysis.Frame
	err   error
}

func handle(ctx context.Context, writer *analysis.FrameWriter, frame analysis.Frame, engine Engine) error {
	req, err := parseRequest(frame)
	if err != nil {
		fields := map[string]any{"request_id": frame.ID, "error": err.Error()}
		var decodeErr ErrDecode
		if errors.As(err, &decodeErr) {
			fields["body_len"] = decodeErr.Meta.BodyLen
			fields["body_sha256"] = decodeErr.Meta.BodySHA
		}
		telemetry.Warn("worker.request_rejected", fields)
		return writer.Write(analysis.FrameError, frame.ID, analysis.ErrorBody{Code: CodeBadRequest, Message: err.Error()})
	}

	runCtx, cancel := context.WithDeadline(ctx, time.UnixMilli(req.DeadlineMs))
	defer cancel()
	started := time.Now()
	suggestions, err := engine.Analyze(runCtx, req)
	if err != nil {
		code := CodeEngine
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeDeadline
		}
		telemetry.Warn("worker.analysis_failed", map[string]any{"request_id": req.RequestID, "error": ErrProcess{RequestID: req.RequestID, Err: err}.Error()})
		return writer.Write(analysis.FrameError, frame.ID, analysis.ErrorBody{Code: code, Message: "analysis failed"})
	}
	telemetry.Debug("worker.analysis_done", map[string]any{
		"request_id":  req.RequestID,
		"criteria":    len(suggestions),
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return writer.Write(analysis.FrameResult, frame.ID, analysis.Response{
		RequestID:    req.RequestID,
		IdentityHash: req.IdentityHash,
		Suggestions:  suggestions,
	})
}

func parseRequest(frame analysis.Frame) (analysis.Request, error) {
	if len(frame.Body) == 0 || strings.TrimSpace(string(frame.Body)) == "null" {
		return analysis.Request{}, ErrEmptyBody{RequestID: frame.ID}
	}
	req, err := analysis.DecodeRequest(frame.Body)
	if err != nil {
		return analysis.Request{}, ErrDecode{Meta: ComputeMeta(frame.Body), Err: err}
	}
	if req.RequestID != frame.ID {
		return analysis.Request{}, ErrInvalid{RequestID: frame.ID, Err: errors.New("frame id does not match request id")}
	}
	if err := req.Validate(); err != nil {
		return analysis.Request{}, ErrInvalid{RequestID: req.RequestID, Err: err}
	}
	return req, nil
}

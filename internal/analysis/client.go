package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
)

// Client is the orchestrator's end of the channel to one worker instance. It
// runs one exchange at a time.
type Client struct {
	mu     sync.Mutex
	writer *FrameWriter
	reader *FrameReader
	stop   func(graceful bool) error
	pings  atomic.Uint64
	dead   atomic.Bool
}

// NewClient builds a client over an already connected channel. stop tears the
// instance down; graceful is true after a shutdown frame was sent.
func NewClient(r io.Reader, w io.Writer, key []byte, maxFrame int, stop func(graceful bool) error) *Client {
	return &Client{
		writer: NewFrameWriter(w, key),
		reader: NewFrameReader(r, key, maxFrame),
		stop:   stop,
	}
}

// Ping checks that the instance answers on an authenticated channel.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "ping-" + strconv.FormatUint(c.pings.Add(1), 10)
	if err := c.write(ctx, FramePing, id, nil); err != nil {
		return err
	}
	frame, err := c.await(ctx)
	if err != nil {
		return err
	}
	if frame.Type != FramePong || frame.ID != id {
		return fmt.Errorf("%w: expected pong %s, got %s %s", ErrProtocolViolation, id, frame.Type, frame.ID)
	}
	return nil
}

// Exchange sends req and waits for its validated response.
func (c *Client) Exchange(ctx context.Context, req Request) (Response, error) {
	if err := c.Send(ctx, req); err != nil {
		return Response{}, err
	}
	return c.Receive(ctx, req)
}

// Send writes the analyze frame for req.
func (c *Client) Send(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(ctx, FrameAnalyze, req.RequestID, req)
}

// write gives up when ctx ends, killing the instance to unblock the writer.
func (c *Client) write(ctx context.Context, typ FrameType, id string, body any) error {
	errc := make(chan error, 1)
	go func() { errc <- c.writer.Write(typ, id, body) }()
	select {
	case <-ctx.Done():
		_ = c.Kill()
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWorkerFailed, err)
		}
		return nil
	}
}

// Receive waits for the answer to req. Anything but a valid result for the
// same request is an error; the response is never partially returned.
func (c *Client) Receive(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame, err := c.await(ctx)
	if err != nil {
		return Response{}, err
	}
	if frame.ID != req.RequestID {
		return Response{}, fmt.Errorf("%w: frame for unexpected request", ErrProtocolViolation)
	}
	switch frame.Type {
	case FrameResult:
		resp, err := DecodeResponse(frame.Body)
		if err != nil {
			return Response{}, err
		}
		if err := ValidateResponse(req, resp); err != nil {
			return Response{}, err
		}
		return resp, nil
	case FrameError:
		var body ErrorBody
		if err := json.Unmarshal(frame.Body, &body); err != nil {
			return Response{}, fmt.Errorf("%w: malformed error frame", ErrProtocolViolation)
		}
		return Response{}, fmt.Errorf("%w: %s", ErrWorkerFailed, body.Code)
	default:
		return Response{}, fmt.Errorf("%w: unexpected %s frame", ErrProtocolViolation, frame.Type)
	}
}

// await reads one frame, giving up when ctx ends. A read abandoned on timeout
// leaves the channel unusable, so the caller must Kill the instance.
func (c *Client) await(ctx context.Context) (Frame, error) {
	type result struct {
		frame Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := c.reader.Read()
		ch <- result{f, err}
	}()
	select {
	case <-ctx.Done():
		_ = c.Kill()
		return Frame{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case res := <-ch:
		if res.err == nil {
			return res.frame, nil
		}
		if errors.Is(res.err, ErrProtocolViolation) {
			return Frame{}, res.err
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrWorkerFailed, res.err)
	}
}

// Close asks the instance to exit and releases it.
func (c *Client) Close() error {
	if c.dead.Swap(true) {
		return nil
	}
	_ = c.writer.Write(FrameShutdown, "", nil)
	return c.stop(true)
}

// Kill tears the instance down without asking.
func (c *Client) Kill() error {
	if c.dead.Swap(true) {
		return nil
	}
	return c.stop(false)
}

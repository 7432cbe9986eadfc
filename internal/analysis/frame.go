package analysis

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// FrameType tags a frame on the worker channel.
type FrameType string

const (
	FrameAnalyze  FrameType = "analyze"
	FrameResult   FrameType = "result"
	FrameError    FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameShutdown FrameType = "shutdown"
)

// DefaultMaxFrameBytes bounds a single frame line.
const DefaultMaxFrameBytes = 4 << 20

// SessionKeySize is the length of the per-instance channel key.
const SessionKeySize = 32

// Frame is one JSON line on the channel. MAC authenticates type, id and body
// under the session key.
type Frame struct {
	Type FrameType       `json:"type"`
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body,omitempty"`
	MAC  string          `json:"mac"`
}

// ErrorBody is the body of an error frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func frameMAC(key []byte, typ FrameType, id string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(typ))
	mac.Write([]byte{0})
	mac.Write([]byte(id))
	mac.Write([]byte{0})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// FrameWriter signs and writes frames. It is safe for concurrent use.
type FrameWriter struct {
	mu  sync.Mutex
	w   io.Writer
	key []byte
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer, key []byte) *FrameWriter {
	return &FrameWriter{w: w, key: key}
}

// Write encodes body, signs the frame and writes it as one line.
func (fw *FrameWriter) Write(typ FrameType, id string, body any) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", typ, err)
		}
	}
	frame := Frame{Type: typ, ID: id, Body: raw, MAC: frameMAC(fw.key, typ, id, raw)}
	line, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	line = append(line, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(line); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// FrameReader reads and authenticates frames.
type FrameReader struct {
	r   *bufio.Reader
	key []byte
	max int
}

// NewFrameReader wraps r. A non-positive max uses DefaultMaxFrameBytes.
func NewFrameReader(r io.Reader, key []byte, max int) *FrameReader {
	if max <= 0 {
		max = DefaultMaxFrameBytes
	}
	return &FrameReader{r: bufio.NewReaderSize(r, 64<<10), key: key, max: max}
}

// Read returns the next authenticated frame. Oversized, malformed or
// unauthenticated frames are protocol violations; io.EOF means the peer closed
// the channel between frames.
func (fr *FrameReader) Read() (Frame, error) {
	var line []byte
	for {
		chunk, err := fr.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > fr.max {
			return Frame{}, fmt.Errorf("%w: frame exceeds %d bytes", ErrProtocolViolation, fr.max)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	var frame Frame
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&frame); err != nil {
		return Frame{}, fmt.Errorf("%w: malformed frame: %v", ErrProtocolViolation, err)
	}
	want := frameMAC(fr.key, frame.Type, frame.ID, frame.Body)
	if !hmac.Equal([]byte(want), []byte(frame.MAC)) {
		return Frame{}, fmt.Errorf("%w: bad frame mac", ErrProtocolViolation)
	}
	return frame, nil
}

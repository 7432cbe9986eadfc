// Package analysis is the trusted side of the isolated analysis protocol: the
// wire contract, strict response validation, the signed frame channel to a
// worker instance and the bounded dispatcher that drives it.
//
// Requests carry only an identity hash, essay text and rubric criteria. This
// package has no access to identity mappings or the event log.
package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strings"

	"marking-backend/internal/pii"
	"marking-backend/internal/rubric"
)

// SessionKeyEnv is the environment variable carrying the hex session key to a
// launched worker process.
const SessionKeyEnv = "AWAP_SESSION_KEY"

var identityHashPattern = regexp.MustCompile(`^[0-9a-f]{128}$`)

// Criterion is the part of a rubric criterion a worker may see.
type Criterion struct {
	ID       string  `json:"id"`
	MaxScore float64 `json:"max_score"`
}

// RubricSpec lists the criteria to score.
type RubricSpec struct {
	Criteria []Criterion `json:"criteria"`
}

// Request is sent to a worker.
type Request struct {
	RequestID    string     `json:"request_id"`
	IdentityHash string     `json:"identity_hash"`
	EssayText    string     `json:"essay_text"`
	Rubric       RubricSpec `json:"rubric"`
	DeadlineMs   int64      `json:"deadline_ms"`
}

// Suggestion is one criterion score proposed by a worker. Pointers let the
// validator tell a missing value from zero.
type Suggestion struct {
	CriterionID string   `json:"criterion_id"`
	Score       *float64 `json:"score"`
	Confidence  *float64 `json:"confidence"`
	Feedback    string   `json:"feedback"`
}

// Response is returned by a worker.
type Response struct {
	RequestID    string       `json:"request_id"`
	IdentityHash string       `json:"identity_hash"`
	Suggestions  []Suggestion `json:"suggestions"`
}

// SpecFromRubric strips a rubric down to ids and maxima.
func SpecFromRubric(r rubric.Rubric) RubricSpec {
	spec := RubricSpec{Criteria: make([]Criterion, 0, len(r.Criteria))}
	for _, c := range r.Criteria {
		spec.Criteria = append(spec.Criteria, Criterion{ID: c.ID, MaxScore: c.MaxScore})
	}
	return spec
}

// IsIdentityHash reports whether s has the shape of an identity hash.
func IsIdentityHash(s string) bool {
	return identityHashPattern.MatchString(s)
}

// Validate checks a request before it is sent.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.RequestID) == "":
		return fmt.Errorf("%w: request_id is required", ErrInvalidRequest)
	case !IsIdentityHash(r.IdentityHash):
		return fmt.Errorf("%w: identity_hash is not a hash", ErrInvalidRequest)
	case strings.TrimSpace(r.EssayText) == "":
		return fmt.Errorf("%w: essay_text is required", ErrInvalidRequest)
	case r.DeadlineMs <= 0:
		return fmt.Errorf("%w: deadline_ms is required", ErrInvalidRequest)
	case len(r.Rubric.Criteria) == 0:
		return fmt.Errorf("%w: rubric has no criteria", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(r.Rubric.Criteria))
	for _, c := range r.Rubric.Criteria {
		if c.ID == "" || c.MaxScore <= 0 {
			return fmt.Errorf("%w: malformed criterion %q", ErrInvalidRequest, c.ID)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: duplicate criterion %q", ErrInvalidRequest, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

// DecodeRequest parses a request, rejecting unknown fields.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := decodeStrict(data, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// DecodeResponse parses a response, rejecting unknown fields and trailing
// data.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := decodeStrict(data, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return resp, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after object")
	}
	return nil
}

// ValidateResponse accepts a response only if it answers req exactly: same
// request id and identity hash, one well-formed suggestion per known
// criterion at most, and no identifying text in feedback.
func ValidateResponse(req Request, resp Response) error {
	if resp.RequestID != req.RequestID {
		return fmt.Errorf("%w: request_id mismatch", ErrProtocolViolation)
	}
	if resp.IdentityHash != req.IdentityHash {
		return fmt.Errorf("%w: identity_hash mismatch", ErrProtocolViolation)
	}
	maxima := make(map[string]float64, len(req.Rubric.Criteria))
	for _, c := range req.Rubric.Criteria {
		maxima[c.ID] = c.MaxScore
	}
	seen := make(map[string]struct{}, len(resp.Suggestions))
	for _, s := range resp.Suggestions {
		limit, ok := maxima[s.CriterionID]
		if !ok {
			return fmt.Errorf("%w: unknown criterion %q", ErrProtocolViolation, s.CriterionID)
		}
		if _, dup := seen[s.CriterionID]; dup {
			return fmt.Errorf("%w: duplicate criterion %q", ErrProtocolViolation, s.CriterionID)
		}
		seen[s.CriterionID] = struct{}{}
		if s.Score == nil || math.IsNaN(*s.Score) || *s.Score < 0 || *s.Score > limit {
			return fmt.Errorf("%w: score for %q outside 0..%g", ErrProtocolViolation, s.CriterionID, limit)
		}
		if s.Confidence == nil || math.IsNaN(*s.Confidence) || *s.Confidence < 0 || *s.Confidence > 1 {
			return fmt.Errorf("%w: confidence for %q outside 0..1", ErrProtocolViolation, s.CriterionID)
		}
		if pii.Contains(s.Feedback, pii.KindStudentID, pii.KindEmail) {
			return fmt.Errorf("%w: feedback for %q contains identifying text", ErrProtocolViolation, s.CriterionID)
		}
	}
	return nil
}

// RubricSuggestions converts a validated response for the rubric evaluator.
func (r Response) RubricSuggestions() []rubric.Suggestion {
	out := make([]rubric.Suggestion, 0, len(r.Suggestions))
	for _, s := range r.Suggestions {
		var score, confidence float64
		if s.Score != nil {
			score = *s.Score
		}
		if s.Confidence != nil {
			confidence = *s.Confidence
		}
		out = append(out, rubric.Suggestion{
			CriterionID: s.CriterionID,
			Score:       score,
			Confidence:  confidence,
			Feedback:    s.Feedback,
		})
	}
	return out
}
